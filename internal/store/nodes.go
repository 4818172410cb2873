package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

// NodeList is the on-disk list of relay candidates.
type NodeList struct {
	UpdatedAt time.Time         `yaml:"updated_at"`
	Nodes     []model.RelayNode `yaml:"nodes"`
}

// LoadNodes reads the relay list. A missing file yields an empty list.
func LoadNodes(path string) ([]model.RelayNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var list NodeList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	for i, n := range list.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%s: node %d has no id", path, i)
		}
		if n.Address == "" {
			return nil, fmt.Errorf("%s: node %q has no address", path, n.ID)
		}
		if n.Port < 0 || n.Port > 65535 {
			return nil, fmt.Errorf("%s: node %q has invalid port %d", path, n.ID, n.Port)
		}
	}
	return list.Nodes, nil
}

// SaveNodes writes the relay list to disk.
func SaveNodes(path string, nodes []model.RelayNode) error {
	list := NodeList{UpdatedAt: time.Now().UTC(), Nodes: nodes}
	data, err := yaml.Marshal(&list)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
