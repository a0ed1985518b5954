package actions

import (
	"fmt"
	"os"
	"path/filepath"
)

// FilePromptLoader is the reference action.PromptLoader: it resolves a
// prompt_key against prompts_dir by trying, in order, "<key>.txt",
// "<key>/prompt.txt", and the exact path "<key>".
type FilePromptLoader struct {
	PromptsDir string
}

func NewFilePromptLoader(promptsDir string) FilePromptLoader {
	return FilePromptLoader{PromptsDir: promptsDir}
}

func (l FilePromptLoader) Load(promptKey string) (string, error) {
	candidates := []string{
		filepath.Join(l.PromptsDir, promptKey+".txt"),
		filepath.Join(l.PromptsDir, promptKey, "prompt.txt"),
		filepath.Join(l.PromptsDir, promptKey),
	}
	var lastErr error
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err == nil {
			return string(raw), nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("actions: prompt %q not found under %q: %w", promptKey, l.PromptsDir, lastErr)
}
