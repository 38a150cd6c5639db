package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manash/lingolens/pkg/models"
)

// Item is one image to turn into a worksheet. Empty language or level
// fields use the processor defaults.
type Item struct {
	Index       int
	Image       string
	Source      string
	Target      string
	Proficiency string
}

type jsonItem struct {
	Image       string `json:"image"`
	Source      string `json:"source,omitempty"`
	Target      string `json:"target,omitempty"`
	Proficiency string `json:"level,omitempty"`
}

func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(file)
	case ".txt", "":
		return ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt or .json", ext)
	}
}

// ParseText reads one image path or URL per line. Blank lines and lines
// starting with # are skipped.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		items = append(items, Item{Index: index, Image: line})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no images found in file")
	}

	return items, nil
}

func ParseJSON(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var jsonItems []jsonItem
	if err := json.Unmarshal(data, &jsonItems); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if len(jsonItems) == 0 {
		return nil, fmt.Errorf("no images found in file")
	}

	items := make([]Item, len(jsonItems))
	for i, ji := range jsonItems {
		if strings.TrimSpace(ji.Image) == "" {
			return nil, fmt.Errorf("item %d has no image", i+1)
		}
		if err := checkOverrides(ji); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		items[i] = Item{
			Index:       i + 1,
			Image:       strings.TrimSpace(ji.Image),
			Source:      ji.Source,
			Target:      ji.Target,
			Proficiency: ji.Proficiency,
		}
	}

	return items, nil
}

func checkOverrides(ji jsonItem) error {
	for _, code := range []string{ji.Source, ji.Target} {
		if code == "" {
			continue
		}
		if _, err := models.ParseLanguage(code); err != nil {
			return err
		}
	}
	if ji.Proficiency != "" {
		if _, err := models.ParseProficiency(ji.Proficiency); err != nil {
			return err
		}
	}
	return nil
}
