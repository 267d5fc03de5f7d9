package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content before it is
// parsed, so hubd.yaml can pull secrets like database passwords from the
// environment instead of committing them to the file. Missing variables
// expand to the empty string; Validator.ValidateAll catches fields left
// empty as a result.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
