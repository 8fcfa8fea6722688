package util

import (
	"bytes"
	"io"

	"github.com/hetianyi/gox/file"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

// LoadConfig loads config from config file. A leading "~" is expanded to
// the home directory of the current user.
func LoadConfig(c string, container interface{}) error {
	path, err := homedir.Expand(c)
	if err != nil {
		return err
	}
	cf, err := file.GetFile(path)
	if err != nil {
		return err
	}
	defer cf.Close()
	var buffer bytes.Buffer
	if _, err = io.Copy(&buffer, cf); err != nil {
		return err
	}
	return json.Unmarshal(buffer.Bytes(), container)
}

// WriteConfig writes config to file.
func WriteConfig(c string, container interface{}) error {
	path, err := homedir.Expand(c)
	if err != nil {
		return err
	}
	cf, err := file.CreateFile(path)
	if err != nil {
		return err
	}
	defer cf.Close()
	bs, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	_, err = cf.Write(bs)
	return err
}

// ExpandPath expands "~" and normalizes separators.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	path, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return file.FixPath(path), nil
}
