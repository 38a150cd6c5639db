package security

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrReservedName  = errors.New("reserved filename not allowed")
	ErrLeadingHyphen = errors.New("filename cannot start with hyphen")

	windowsReservedNames = map[string]bool{
		"con": true, "prn": true, "aux": true, "nul": true,
		"com1": true, "com2": true, "com3": true, "com4": true,
		"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
		"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
		"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
	}
)

// ValidateSavePath checks a relative output path taken from user input.
func ValidateSavePath(p string) error {
	if filepath.IsAbs(p) {
		return ErrAbsolutePath
	}

	cleaned := filepath.Clean(p)

	if strings.HasPrefix(cleaned, "..") || strings.Contains(p, "..") {
		return ErrPathTraversal
	}

	base := filepath.Base(cleaned)
	if isReserved(base) {
		return ErrReservedName
	}

	if strings.HasPrefix(base, "-") {
		return ErrLeadingHyphen
	}

	return nil
}

func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "", "\x00", "",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.TrimLeft(sanitized, ".-")
	sanitized = strings.TrimRight(sanitized, ". ")

	if isReserved(sanitized) {
		ext := filepath.Ext(sanitized)
		sanitized = strings.TrimSuffix(sanitized, ext) + "_" + ext
	}

	if sanitized == "" {
		sanitized = "file"
	}

	return sanitized
}

// OutputPath derives a file name in dir for the worksheet of an image
// source (a path or URL): the source's base name with ext instead of its
// extension. dir itself is trusted.
func OutputPath(dir, source, ext string) (string, error) {
	base := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Host != "" {
		base = path.Base(u.Path)
	} else {
		base = filepath.Base(source)
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))

	name := SanitizeFilename(base + ext)
	if err := ValidateSavePath(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func isReserved(base string) bool {
	nameWithoutExt := strings.TrimSuffix(strings.ToLower(base), filepath.Ext(base))
	return windowsReservedNames[nameWithoutExt]
}
