package policy

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"authgate.org/internal/auth"
)

type grantFile struct {
	Grants []auth.Grant `yaml:"grants"`
}

// Parse reads a YAML grant table:
//
//	grants:
//	  - procedure: delete_user
//	    roles: [admin]
func Parse(r io.Reader) ([]auth.Grant, error) {
	var f grantFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	for i, g := range f.Grants {
		if strings.TrimSpace(g.Procedure) == "" {
			return nil, fmt.Errorf("%w: grant %d has no procedure", auth.ErrInvalidInput, i)
		}
		if f.Grants[i].Roles == nil {
			f.Grants[i].Roles = []string{}
		}
	}
	return f.Grants, nil
}

// LoadFile parses the grant table stored at path.
func LoadFile(path string) ([]auth.Grant, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}
