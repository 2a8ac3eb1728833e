// Package templates embeds the default configuration and prompt files.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed config.yaml prompts
var FS embed.FS

const (
	ImplementPrompt = "prompts/implement.md"
	ReviewPrompt    = "prompts/review.md"
	FixPrompt       = "prompts/fix.md"
)

// Prompt returns the embedded prompt template at name.
func Prompt(name string) (string, error) {
	data, err := fs.ReadFile(FS, name)
	if err != nil {
		return "", fmt.Errorf("read embedded %s: %w", name, err)
	}
	return string(data), nil
}

// MustPrompt is Prompt for templates known to be embedded.
func MustPrompt(name string) string {
	s, err := Prompt(name)
	if err != nil {
		panic(err)
	}
	return s
}
