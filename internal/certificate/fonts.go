package certificate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

const fallbackFamily = "sans-serif"

// Browser font names that map onto the bundled Go fonts.
var familyAliases = map[string]string{
	"arial":           "sans-serif",
	"helvetica":       "sans-serif",
	"verdana":         "sans-serif",
	"inter":           "sans-serif",
	"go":              "sans-serif",
	"times new roman": "serif",
	"times":           "serif",
	"georgia":         "serif",
	"courier":         "monospace",
	"courier new":     "monospace",
	"go mono":         "monospace",
}

type fontPair struct {
	regular *truetype.Font
	bold    *truetype.Font
}

type faceKey struct {
	family string
	bold   bool
	size   float64
}

// FontLibrary resolves FontSpecs to font faces. It bundles the Go fonts and
// can load additional TrueType families from a directory. Faces are cached by
// family, weight and size; the faces themselves are not safe for concurrent
// use, so callers share one library through a Rasterizer, which serializes
// rendering.
type FontLibrary struct {
	logger   *slog.Logger
	families map[string]fontPair

	mu    sync.Mutex
	faces map[faceKey]font.Face
}

// NewFontLibrary builds a library from the bundled fonts plus every *.ttf in
// dir (dir may be empty). A file named "Family-Bold.ttf" provides the bold
// face of "family"; anything else provides the regular face.
func NewFontLibrary(dir string, logger *slog.Logger) (*FontLibrary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lib := &FontLibrary{
		logger:   logger,
		families: map[string]fontPair{},
		faces:    map[faceKey]font.Face{},
	}

	sans, err := parsePair(goregular.TTF, gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse go fonts: %w", err)
	}
	mono, err := parsePair(gomono.TTF, gomonobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse go mono fonts: %w", err)
	}
	lib.families["sans-serif"] = sans
	lib.families["serif"] = sans
	lib.families["monospace"] = mono

	if strings.TrimSpace(dir) != "" {
		if err := lib.loadDir(dir); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func parsePair(regular, bold []byte) (fontPair, error) {
	r, err := truetype.Parse(regular)
	if err != nil {
		return fontPair{}, err
	}
	b, err := truetype.Parse(bold)
	if err != nil {
		return fontPair{}, err
	}
	return fontPair{regular: r, bold: b}, nil
}

func (l *FontLibrary) loadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.ttf"))
	if err != nil {
		return fmt.Errorf("list fonts in %q: %w", dir, err)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read font %q: %w", path, err)
		}
		parsed, err := truetype.Parse(data)
		if err != nil {
			l.logger.Warn("skip unparsable font", slog.String("path", path), slog.Any("error", err))
			continue
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		family, variant, _ := strings.Cut(name, "-")
		family = normalizeFamily(family)
		pair := l.families[family]
		if strings.Contains(strings.ToLower(variant), "bold") {
			pair.bold = parsed
		} else {
			pair.regular = parsed
		}
		l.families[family] = pair
		l.logger.Info("font loaded", slog.String("family", family), slog.String("path", path))
	}

	for family, pair := range l.families {
		switch {
		case pair.regular == nil:
			pair.regular = pair.bold
		case pair.bold == nil:
			pair.bold = pair.regular
		}
		l.families[family] = pair
	}
	return nil
}

func normalizeFamily(family string) string {
	family = strings.ToLower(strings.TrimSpace(family))
	family = strings.Trim(family, `"'`)
	return family
}

// IsBold reports whether a CSS font-weight value selects a bold face.
func IsBold(weight string) bool {
	switch w := strings.ToLower(strings.TrimSpace(weight)); w {
	case "bold", "bolder":
		return true
	case "", "normal", "lighter":
		return false
	default:
		n, err := strconv.Atoi(w)
		return err == nil && n >= 600
	}
}

func (l *FontLibrary) lookup(family string) (string, fontPair) {
	// CSS font-family may list fallbacks: "Lato, Arial, sans-serif".
	for _, candidate := range strings.Split(family, ",") {
		name := normalizeFamily(candidate)
		if alias, ok := familyAliases[name]; ok {
			if _, loaded := l.families[name]; !loaded {
				name = alias
			}
		}
		if pair, ok := l.families[name]; ok {
			return name, pair
		}
	}
	return fallbackFamily, l.families[fallbackFamily]
}

// Face returns a face for spec. Sizes below one pixel are clamped.
func (l *FontLibrary) Face(spec FontSpec) font.Face {
	name, pair := l.lookup(spec.Family)
	key := faceKey{family: name, bold: IsBold(spec.Weight), size: max(spec.Size, 1)}

	l.mu.Lock()
	defer l.mu.Unlock()
	if face, ok := l.faces[key]; ok {
		return face
	}

	f := pair.regular
	if key.bold {
		f = pair.bold
	}
	face := truetype.NewFace(f, &truetype.Options{
		Size:    key.size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	l.faces[key] = face
	return face
}

// MeasureTextWidth implements Measurer with the library's faces.
func (l *FontLibrary) MeasureTextWidth(spec FontSpec, text string) float64 {
	return fixedToFloat(font.MeasureString(l.Face(spec), text))
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}
