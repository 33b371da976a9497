package buildsys

import (
	"encoding/gob"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// WriteCache stores the options and the parsed tasks in a brotli compressed gob stream.
func WriteCache(file string, options map[string]string, list TaskList) error {
	for name, task := range list {
		for _, cmd := range task.Cmds {
			if _, ok := cmd.(TaskCmdFunc); ok {
				return eris.Errorf("task %s contains Go steps and can't be cached", name)
			}
		}
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	writer := brotli.NewWriterLevel(handle, brotli.DefaultCompression)
	encoder := gob.NewEncoder(writer)
	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	err = encoder.Encode(list)
	if err != nil {
		return err
	}

	err = writer.Close()
	if err != nil {
		return err
	}

	return handle.Close()
}

func ReadCache(file string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(brotli.NewReader(handle))

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, result, nil
}
