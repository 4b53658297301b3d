package motion

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/suntower/pkg/state"
)

// FilePositions is a PositionStore keeping the orientation in a YAML file.
type FilePositions struct {
	Path string
}

// LoadPosition implements PositionStore. A missing file is no position.
func (p *FilePositions) LoadPosition() (state.Orientation, bool, error) {
	var o state.Orientation
	data, err := os.ReadFile(p.Path)
	if os.IsNotExist(err) {
		return o, false, nil
	}
	if err != nil {
		return o, false, err
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, false, err
	}
	return o, true, nil
}

// SavePosition implements PositionStore. The file is replaced through a
// rename so a power cut leaves either position intact.
func (p *FilePositions) SavePosition(o state.Orientation) error {
	data, err := yaml.Marshal(&o)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(p.Path), "."+filepath.Base(p.Path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}
