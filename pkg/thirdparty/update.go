package thirdparty

import (
	"bytes"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		if node.Content[idx].Value == key {
			return node.Content[idx+1]
		}
	}
	return nil
}

// UpdateChecksums replaces the sha256 values of the given deps in the manifest source and writes it back.
// Comments and formatting of untouched nodes are kept.
func (m *Manifest) UpdateChecksums(changes map[string]string) error {
	if len(changes) == 0 {
		return nil
	}

	var doc yaml.Node
	err := yaml.Unmarshal(m.raw, &doc)
	if err != nil {
		return eris.Wrap(err, "failed to parse manifest")
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return eris.New("manifest is empty")
	}

	deps := mappingValue(doc.Content[0], "deps")
	if deps == nil {
		return eris.New("manifest has no deps section")
	}

	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		section := mappingValue(deps, name)
		if section == nil || section.Kind != yaml.MappingNode {
			return eris.Errorf("failed to find the section for %s", name)
		}

		value := mappingValue(section, "sha256")
		if value != nil {
			value.Value = changes[name]
			value.Tag = "!!str"
			value.Style = 0
			continue
		}

		section.Content = append(section.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "sha256"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: changes[name]},
		)
	}

	buf := bytes.Buffer{}
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	err = encoder.Encode(&doc)
	if err != nil {
		return eris.Wrap(err, "failed to encode manifest")
	}
	err = encoder.Close()
	if err != nil {
		return eris.Wrap(err, "failed to encode manifest")
	}

	updated, err := ParseManifest(buf.Bytes())
	if err != nil {
		return eris.Wrap(err, "updated manifest is invalid")
	}

	if m.path != "" {
		err = os.WriteFile(m.path, buf.Bytes(), 0o660)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", m.path)
		}
	}

	m.Deps = updated.Deps
	m.raw = updated.raw
	return nil
}

// Source returns the current manifest source.
func (m *Manifest) Source() []byte {
	return m.raw
}
