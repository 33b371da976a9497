package buildsys

import "fmt"

type TaskNotFound struct {
	Name string
}

var _ error = (*TaskNotFound)(nil)

func (e TaskNotFound) Error() string {
	return fmt.Sprintf("task %s not found", e.Name)
}

// RecursionError is returned when a task (directly or through its dependencies) requires itself.
type RecursionError struct {
	Name string
}

var _ error = (*RecursionError)(nil)

func (e RecursionError) Error() string {
	return fmt.Sprintf("task %s was called recursively", e.Name)
}
