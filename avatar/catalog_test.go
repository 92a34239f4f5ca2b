package avatar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
animations:
  - name: wave
    file: clips/wave.glb
    duration: 2s
    scale: 1.2
moods:
  - name: neutral
  - name: happy
    baseline:
      mouthSmileLeft: 0.3
gestures: [ok, thumbup]
views: [full, head]
expressions:
  - name: smile
    morphs:
      mouthSmileLeft: 0.6
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	anim, ok := c.Animation("wave")
	require.True(t, ok)
	assert.Equal(t, "clips/wave.glb", anim.File)
	assert.Equal(t, 2*time.Second, anim.Duration)
	assert.InDelta(t, 1.2, anim.Scale, 1e-9)

	assert.Equal(t, []string{"neutral", "happy"}, c.MoodNames())
	assert.True(t, c.HasGesture("thumbup"))
	assert.False(t, c.HasView("mid"))
	_, ok = c.Expression("smile")
	assert.True(t, ok)
}

func TestParseCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "No moods", yaml: "gestures: [ok]\nviews: [full]\n"},
		{name: "No gestures", yaml: "moods: [{name: happy}]\nviews: [full]\n"},
		{name: "No views", yaml: "moods: [{name: happy}]\ngestures: [ok]\n"},
		{
			name: "Animation without duration",
			yaml: "moods: [{name: happy}]\ngestures: [ok]\nviews: [full]\nanimations: [{name: wave, file: wave.glb}]\n",
		},
		{
			name: "Duplicate animation",
			yaml: "moods: [{name: happy}]\ngestures: [ok]\nviews: [full]\nanimations: [{name: a, file: a.glb, duration: 1s}, {name: a, file: b.glb, duration: 1s}]\n",
		},
		{name: "Not YAML", yaml: "moods: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	c, err := CatalogOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wave"}, c.AnimationNames())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultCatalogIsValid(t *testing.T) {
	c, err := CatalogOrDefault("")
	require.NoError(t, err)
	assert.NoError(t, c.Validate())
	assert.True(t, c.HasMood("happy"))
	anim, ok := c.Animation("wave")
	require.True(t, ok)
	assert.Equal(t, 3200*time.Millisecond, anim.Duration)
}

func TestToolsSchema(t *testing.T) {
	c := DefaultCatalog()
	specs := Tools(c)
	require.Len(t, specs, 5)

	byName := map[string]ToolSpec{}
	for _, s := range specs {
		byName[s.Name] = s
		assert.NotEmpty(t, s.Description)
		assert.Equal(t, "object", s.Parameters["type"])
	}

	mood := byName[ToolSetMood].Parameters["properties"].(map[string]any)["mood"].(map[string]any)
	assert.Equal(t, c.MoodNames(), mood["enum"])
	assert.Equal(t, []string{"mood"}, byName[ToolSetMood].Parameters["required"])

	anim := byName[ToolPlayAnimation].Parameters["properties"].(map[string]any)
	assert.Contains(t, anim, "duration")
	assert.Equal(t, c.AnimationNames(), anim["animation"].(map[string]any)["enum"])
}

func TestParseArgsDurations(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		name     string
		duration any
		expected time.Duration
		wantErr  bool
	}{
		{name: "Float seconds", duration: 2.5, expected: 2500 * time.Millisecond},
		{name: "Integer seconds", duration: 3, expected: 3 * time.Second},
		{name: "Numeric string", duration: "1.25", expected: 1250 * time.Millisecond},
		{name: "Nil falls back", duration: nil, expected: DefaultGestureTime},
		{name: "Zero", duration: 0.0, wantErr: true},
		{name: "Too long", duration: 600.0, wantErr: true},
		{name: "Garbage", duration: "soon", wantErr: true},
		{name: "Infinite string", duration: "Inf", wantErr: true},
		{name: "Huge float", duration: 1e300, wantErr: true},
		{name: "Huge string", duration: "1e19", wantErr: true},
		{name: "Negative infinity", duration: "-Inf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseArgs(ToolPlayGesture, map[string]any{"gesture": "ok", "duration": tt.duration}, c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			g, ok := args.(GestureArgs)
			require.True(t, ok)
			assert.Equal(t, tt.expected, g.Duration)
			assert.Equal(t, ToolPlayGesture, g.ToolName())
		})
	}
}
