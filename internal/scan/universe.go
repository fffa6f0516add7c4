package scan

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aristath/marketscan/internal/domain"
)

// LoadUniverse reads the subject universe from a plain text file, one symbol
// per line. Blank lines and #-comments are ignored, symbols are uppercased,
// and duplicates keep their first position.
func LoadUniverse(path string) ([]domain.Subject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open universe file: %w", err)
	}
	defer f.Close()

	seen := make(map[domain.Subject]bool)
	var subjects []domain.Subject

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subject := domain.Subject(strings.ToUpper(line))
		if seen[subject] {
			continue
		}
		seen[subject] = true
		subjects = append(subjects, subject)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("universe file %s contains no symbols", path)
	}

	return subjects, nil
}
