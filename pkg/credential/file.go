package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v1"
)

// FileBackend persists the credential as a yaml document.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) String() string {
	return "file:" + f.path
}

func (f *FileBackend) Load(ctx context.Context) (Credential, bool, error) {
	bytes, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("error reading credential: %v", err)
	}

	var r record
	err = yaml.Unmarshal(bytes, &r)
	if err != nil {
		return Credential{}, false, fmt.Errorf("error unmarshalling credential: %v", err)
	}

	c, ok := r.credential()
	return c, ok, nil
}

func (f *FileBackend) Save(ctx context.Context, c Credential) error {
	bytes, err := yaml.Marshal(toRecord(c))
	if err != nil {
		return fmt.Errorf("error marshalling credential: %v", err)
	}

	err = os.MkdirAll(filepath.Dir(f.path), 0700)
	if err != nil {
		return fmt.Errorf("error creating credential directory: %v", err)
	}

	// replace atomically, readers never see a partial document
	tmp := f.path + ".tmp"
	err = os.WriteFile(tmp, bytes, 0600)
	if err != nil {
		return fmt.Errorf("error writing credential to file: %v", err)
	}
	err = os.Rename(tmp, f.path)
	if err != nil {
		return fmt.Errorf("error replacing credential file: %v", err)
	}

	log.Debugf("wrote credential to %s", f.path)
	return nil
}

func (f *FileBackend) Delete(ctx context.Context) error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing credential file: %v", err)
	}
	return nil
}
