package spotify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

type CredsFile string

type CredsFileContent struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Token        string `json:"token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (f CredsFile) Read() (c *CredsFileContent, err error) {
	file, err := os.OpenFile(f.path(), os.O_RDONLY, 0o0600)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}

		return nil, fmt.Errorf("open credentials file: %v", err)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close credentials file: %v", closeErr))
		}
	}()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); nil != err {
		return nil, fmt.Errorf("decode credentials file contents: %v", err)
	}

	return c, nil
}

// Write replaces the file contents through a temporary file so a crash never
// leaves a truncated credentials file behind.
func (f CredsFile) Write(c CredsFileContent) (err error) {
	if err := os.MkdirAll(filepath.Dir(f.path()), 0o0700); nil != err {
		return fmt.Errorf("create credentials directory: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path()), ".creds-*")
	if nil != err {
		return fmt.Errorf("create temporary credentials file: %v", err)
	}
	defer func() {
		if nil != err {
			if removeErr := os.Remove(tmp.Name()); nil != removeErr && !errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(err, fmt.Errorf("remove temporary credentials file: %v", removeErr))
			}
		}
	}()

	if err := json.NewEncoder(tmp).Encode(c); nil != err {
		_ = tmp.Close()
		return fmt.Errorf("encode credentials file: %v", err)
	}

	if err := tmp.Sync(); nil != err {
		_ = tmp.Close()
		return fmt.Errorf("sync credentials file: %v", err)
	}

	if err := tmp.Close(); nil != err {
		return fmt.Errorf("close temporary credentials file: %v", err)
	}

	if err := os.Rename(tmp.Name(), f.path()); nil != err {
		return fmt.Errorf("replace credentials file: %v", err)
	}

	return nil
}

func (f CredsFile) path() string {
	return string(f)
}
