package avatar

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/goccy/go-yaml"
)

// Animation is one clip of the asset catalog.
type Animation struct {
	Name     string        `yaml:"name"`
	File     string        `yaml:"file"`
	Duration time.Duration `yaml:"duration"`
	Scale    float64       `yaml:"scale"`
}

// Mood is a named facial baseline. Baseline morph values are optional and
// only consumed by engines without built-in moods.
type Mood struct {
	Name     string             `yaml:"name"`
	Baseline map[string]float64 `yaml:"baseline"`
}

// Expression is a short-lived morph overlay applied on top of the mood.
type Expression struct {
	Name   string             `yaml:"name"`
	Morphs map[string]float64 `yaml:"morphs"`
}

// Catalog is the static, injected vocabulary of avatar control: the enums
// the tool schema declares and the asset table the dispatcher resolves.
type Catalog struct {
	Animations  []Animation  `yaml:"animations"`
	Moods       []Mood       `yaml:"moods"`
	Gestures    []string     `yaml:"gestures"`
	Views       []string     `yaml:"views"`
	Expressions []Expression `yaml:"expressions"`
}

func (c *Catalog) Validate() error {
	if len(c.Moods) == 0 {
		return errors.New("catalog declares no moods")
	}
	if len(c.Gestures) == 0 {
		return errors.New("catalog declares no gestures")
	}
	if len(c.Views) == 0 {
		return errors.New("catalog declares no camera views")
	}
	seen := map[string]bool{}
	for _, a := range c.Animations {
		if a.Name == "" || a.File == "" {
			return fmt.Errorf("animation %q needs a name and a file", a.Name)
		}
		if a.Duration <= 0 {
			return fmt.Errorf("animation %q needs a positive duration", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("animation %q declared twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

func (c *Catalog) Animation(name string) (Animation, bool) {
	for _, a := range c.Animations {
		if a.Name == name {
			return a, true
		}
	}
	return Animation{}, false
}

func (c *Catalog) Expression(name string) (Expression, bool) {
	for _, e := range c.Expressions {
		if e.Name == name {
			return e, true
		}
	}
	return Expression{}, false
}

func (c *Catalog) HasMood(name string) bool {
	return slices.ContainsFunc(c.Moods, func(m Mood) bool { return m.Name == name })
}

func (c *Catalog) HasGesture(name string) bool {
	return slices.Contains(c.Gestures, name)
}

func (c *Catalog) HasView(name string) bool {
	return slices.Contains(c.Views, name)
}

func (c *Catalog) MoodNames() []string {
	out := make([]string, 0, len(c.Moods))
	for _, m := range c.Moods {
		out = append(out, m.Name)
	}
	return out
}

func (c *Catalog) AnimationNames() []string {
	out := make([]string, 0, len(c.Animations))
	for _, a := range c.Animations {
		out = append(out, a.Name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) ExpressionNames() []string {
	out := make([]string, 0, len(c.Expressions))
	for _, e := range c.Expressions {
		out = append(out, e.Name)
	}
	return out
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	c := new(Catalog)
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}
	return c, nil
}

// CatalogOrDefault loads path, or returns DefaultCatalog when path is empty.
func CatalogOrDefault(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalog(path)
}

func DefaultCatalog() *Catalog {
	return &Catalog{
		Animations: []Animation{
			{Name: "wave", File: "animations/wave.fbx", Duration: 3200 * time.Millisecond, Scale: 1},
			{Name: "nod", File: "animations/nod.fbx", Duration: 1500 * time.Millisecond, Scale: 1},
			{Name: "shake_head", File: "animations/shake_head.fbx", Duration: 1800 * time.Millisecond, Scale: 1},
			{Name: "bow", File: "animations/bow.fbx", Duration: 2600 * time.Millisecond, Scale: 1},
			{Name: "clap", File: "animations/clap.fbx", Duration: 3 * time.Second, Scale: 1},
			{Name: "think", File: "animations/think.fbx", Duration: 4 * time.Second, Scale: 1},
			{Name: "point", File: "animations/point.fbx", Duration: 2 * time.Second, Scale: 1},
			{Name: "laugh", File: "animations/laugh.fbx", Duration: 3500 * time.Millisecond, Scale: 1},
			{Name: "celebrate", File: "animations/celebrate.fbx", Duration: 4500 * time.Millisecond, Scale: 1},
			{Name: "dance", File: "animations/dance.fbx", Duration: 8 * time.Second, Scale: 1},
		},
		Moods: []Mood{
			{Name: "neutral"},
			{Name: "happy"},
			{Name: "sad"},
			{Name: "angry"},
			{Name: "fear"},
			{Name: "disgust"},
			{Name: "love"},
			{Name: "sleep"},
		},
		Gestures: []string{"handup", "index", "ok", "thumbup", "thumbdown", "side", "shrug", "namaste"},
		Views:    []string{"full", "mid", "upper", "head"},
		Expressions: []Expression{
			{Name: "smile", Morphs: map[string]float64{"mouthSmileLeft": 0.6, "mouthSmileRight": 0.6}},
			{Name: "surprised", Morphs: map[string]float64{"browInnerUp": 0.7, "eyeWideLeft": 0.5, "eyeWideRight": 0.5, "jawOpen": 0.2}},
			{Name: "wink", Morphs: map[string]float64{"eyeBlinkLeft": 1}},
			{Name: "frown", Morphs: map[string]float64{"browDownLeft": 0.6, "browDownRight": 0.6, "mouthFrownLeft": 0.3, "mouthFrownRight": 0.3}},
			{Name: "thinking", Morphs: map[string]float64{"browInnerUp": 0.4, "eyeLookUpLeft": 0.3, "eyeLookUpRight": 0.3, "mouthPressLeft": 0.2}},
			{Name: "raised_brow", Morphs: map[string]float64{"browOuterUpLeft": 0.7}},
		},
	}
}
