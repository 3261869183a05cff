package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file sitting next to the config file.
// Variables already present in the process environment win.
// A missing file is not an error.
func LoadDotEnv(configPath string) error {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(p)
}

// expandEnv replaces ${VAR} references. Bare $VAR is left alone so values
// like bcrypt hashes or regexes survive untouched.
func expandEnv(b []byte) []byte {
	s := string(b)
	if !strings.Contains(s, "${") {
		return b
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			sb.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:i])
		name := s[i+2 : i+j]
		def := ""
		if k := strings.Index(name, ":-"); k >= 0 {
			name, def = name[:k], name[k+2:]
		}
		if v, ok := os.LookupEnv(strings.TrimSpace(name)); ok && v != "" {
			sb.WriteString(v)
		} else {
			sb.WriteString(def)
		}
		s = s[i+j+1:]
	}
	return []byte(sb.String())
}
