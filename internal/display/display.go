// Package display renders the session image in the terminal.
package display

import (
	"bytes"
	"fmt"
	stdimage "image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/webp"
	"golang.org/x/term"

	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/pkg/models"
)

const defaultColumns = 40

type Displayer struct {
	out       io.Writer
	columns   int
	supported bool
}

func New(out io.Writer) *Displayer {
	return &Displayer{
		out:       out,
		columns:   defaultColumns,
		supported: IsTerminalSupported(),
	}
}

func (d *Displayer) SetColumns(n int) {
	d.columns = n
}

func (d *Displayer) Supported() bool {
	return d.supported
}

// Show draws img inline, or prints a one-line placeholder when the
// terminal cannot display graphics.
func (d *Displayer) Show(img *models.Image) error {
	if !d.supported {
		return d.placeholder(img.Source, img.MIMEType, len(img.Data))
	}

	data, err := toPNG(img.Data, img.MIMEType)
	if err != nil {
		return d.placeholder(img.Source, img.MIMEType, len(img.Data))
	}

	if err := NewKittyEncoder(d.out).WithColumns(d.columns).Encode(data); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	fmt.Fprintln(d.out)
	return nil
}

// ShowPreview draws the image backing a preview file. The preview cannot be
// released while this runs.
func (d *Displayer) ShowPreview(p *image.Preview, source string) error {
	return p.Render(func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read preview: %w", err)
		}
		return d.Show(&models.Image{Data: data, MIMEType: image.DetectMIMEType(data), Source: source})
	})
}

func (d *Displayer) placeholder(source, mimeType string, size int) error {
	if source == "" {
		source = "image"
	}
	_, err := fmt.Fprintf(d.out, "[%s: %s, %.1f KB]\n", source, mimeType, float64(size)/1024)
	return err
}

func toPNG(data []byte, mimeType string) ([]byte, error) {
	if mimeType == "image/png" {
		return data, nil
	}
	img, _, err := stdimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsTerminalSupported reports whether stdout is a terminal that speaks the
// kitty graphics protocol.
func IsTerminalSupported() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return graphicsTerminal(os.Getenv)
}

func graphicsTerminal(getenv func(string) string) bool {
	termProgram := strings.ToLower(getenv("TERM_PROGRAM"))
	supportedPrograms := []string{"kitty", "ghostty", "iterm.app", "wezterm"}

	for _, prog := range supportedPrograms {
		if termProgram == prog {
			return true
		}
	}

	if getenv("KITTY_WINDOW_ID") != "" || getenv("ITERM_SESSION_ID") != "" {
		return true
	}

	t := strings.ToLower(getenv("TERM"))
	return strings.Contains(t, "kitty") || strings.Contains(t, "ghostty")
}
