// Package file loads the agent's on-disk inputs: the YAML configuration, the
// JSON identity file and PEM material such as private keys and CA certificates.
package file

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxRawSize bounds ReadFileRaw. Keys and certificates are far below it.
const MaxRawSize = 1 << 20

// ErrTooLarge is returned when a raw file exceeds MaxRawSize.
var ErrTooLarge = errors.New("file exceeds size limit")

// FileOperations reads the files the agent depends on.
type FileOperations interface {
	ReadFileRaw(filePath string) ([]byte, error)
	ReadJsonFile(filePath string, v any) error
	ReadYamlFile(filePath string, v any) error
}

// FileService implements FileOperations on the local filesystem.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// ReadFileRaw returns the file contents, refusing files larger than MaxRawSize.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxRawSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxRawSize {
		return nil, fmt.Errorf("%s: %w", filePath, ErrTooLarge)
	}
	return data, nil
}

// ReadJsonFile decodes a JSON document into v. Unknown fields are ignored so
// identity files can carry provisioning metadata.
func (fs *FileService) ReadJsonFile(filePath string, v any) error {
	data, err := fs.ReadFileRaw(filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadYamlFile decodes a YAML document into v. Unknown keys are rejected, so a
// misspelled setting fails the load instead of silently taking its default.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	data, err := fs.ReadFileRaw(filePath)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: empty document", filePath)
		}
		return err
	}
	return nil
}
