package avatar

// ToolSpec is a function declaration offered to the upstream model.
// Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tools builds the declared tool schema from the catalog vocabulary.
func Tools(c *Catalog) []ToolSpec {
	duration := map[string]any{
		"type":        "number",
		"description": "Duration in seconds.",
	}
	return []ToolSpec{
		{
			Name:        ToolSetMood,
			Description: "Set the avatar's overall facial mood.",
			Parameters:  object(map[string]any{"mood": enum(c.MoodNames(), "Mood to apply.")}, "mood"),
		},
		{
			Name:        ToolPlayGesture,
			Description: "Play a short hand gesture.",
			Parameters: object(map[string]any{
				"gesture":  enum(c.Gestures, "Gesture to play."),
				"duration": duration,
			}, "gesture"),
		},
		{
			Name:        ToolPlayAnimation,
			Description: "Play a full body animation from the catalog.",
			Parameters: object(map[string]any{
				"animation": enum(c.AnimationNames(), "Animation to play."),
				"duration":  duration,
			}, "animation"),
		},
		{
			Name:        ToolSetCameraView,
			Description: "Change the camera framing.",
			Parameters:  object(map[string]any{"view": enum(c.Views, "Camera framing.")}, "view"),
		},
		{
			Name:        ToolSetExpression,
			Description: "Show a brief facial expression on top of the current mood.",
			Parameters:  object(map[string]any{"expression": enum(c.ExpressionNames(), "Expression to show.")}, "expression"),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func enum(values []string, description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"enum":        append([]string(nil), values...),
		"description": description,
	}
}
