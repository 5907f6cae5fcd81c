package catalog

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"gopkg.in/yaml.v3"
)

type fileCatalog struct {
	Name              string                `yaml:"name"`
	Bot               Bot                   `yaml:"bot"`
	NotificationAudio string                `yaml:"notification_audio"`
	RedirectURL       string                `yaml:"redirect_url"`
	Choices           Choices               `yaml:"choices"`
	PreloadImages     []string              `yaml:"preload_images,omitempty"`
	Branches          map[string][]fileStep `yaml:"branches"`
}

type fileStep struct {
	Type     string  `yaml:"type"`
	Delay    float64 `yaml:"delay"`
	Text     string  `yaml:"text,omitempty"`
	ImageURL string  `yaml:"image_url,omitempty"`
	AudioURL string  `yaml:"audio_url,omitempty"`
	Label    string  `yaml:"label,omitempty"`
	URL      string  `yaml:"url,omitempty"`
	Await    *bool   `yaml:"await,omitempty"`
}

// Load reads a catalog from disk.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c.Source = path
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var raw fileCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	c := &Catalog{
		Name:              strings.TrimSpace(raw.Name),
		Bot:               Bot{Name: strings.TrimSpace(raw.Bot.Name), Avatar: strings.TrimSpace(raw.Bot.Avatar)},
		NotificationAudio: strings.TrimSpace(raw.NotificationAudio),
		RedirectURL:       strings.TrimSpace(raw.RedirectURL),
		Choices:           Choices{Yes: strings.TrimSpace(raw.Choices.Yes), No: strings.TrimSpace(raw.Choices.No)},
		PreloadImages:     raw.PreloadImages,
		branches:          make(map[domain.Branch][]domain.Step),
	}

	for name, steps := range raw.Branches {
		branch := domain.Branch(strings.ToLower(strings.TrimSpace(name)))
		switch branch {
		case domain.BranchWelcome, domain.BranchYes, domain.BranchNo, domain.BranchMain:
		default:
			return nil, fmt.Errorf("unknown branch %q", name)
		}

		out := make([]domain.Step, 0, len(steps))
		for i := range steps {
			step, err := c.convertStep(steps[i])
			if err != nil {
				return nil, fmt.Errorf("%s step %d: %w", branch, i+1, err)
			}
			out = append(out, step)
		}
		c.branches[branch] = out
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) convertStep(raw fileStep) (domain.Step, error) {
	if raw.Delay < 0 || math.IsNaN(raw.Delay) || math.IsInf(raw.Delay, 0) {
		return nil, fmt.Errorf("delay must be a non-negative number of seconds")
	}
	wait := time.Duration(raw.Delay * float64(time.Second))

	text := strings.TrimSpace(raw.Text)
	image := strings.TrimSpace(raw.ImageURL)
	audio := strings.TrimSpace(raw.AudioURL)
	label := strings.TrimSpace(raw.Label)
	url := strings.TrimSpace(raw.URL)

	// Each kind names the only fields it may carry.
	present := map[string]bool{
		"text":      text != "",
		"image_url": image != "",
		"audio_url": audio != "",
		"label":     label != "",
		"url":       url != "",
		"await":     raw.Await != nil,
	}
	allow := func(fields ...string) error {
		allowed := make(map[string]bool, len(fields))
		for _, f := range fields {
			allowed[f] = true
		}
		for field, set := range present {
			if set && !allowed[field] {
				return fmt.Errorf("field %s is not valid for %s steps", field, raw.Type)
			}
		}
		return nil
	}

	kind := domain.StepKind(strings.ToLower(strings.TrimSpace(raw.Type)))
	switch kind {
	case domain.KindText:
		if err := allow("text"); err != nil {
			return nil, err
		}
		if text == "" {
			return nil, fmt.Errorf("text is required")
		}
		return domain.TextStep{Wait: wait, Text: text}, nil

	case domain.KindImage:
		if err := allow("image_url"); err != nil {
			return nil, err
		}
		if image == "" {
			return nil, fmt.Errorf("image_url is required")
		}
		return domain.ImageStep{Wait: wait, URL: image}, nil

	case domain.KindAudio:
		if err := allow("audio_url", "await"); err != nil {
			return nil, err
		}
		if audio == "" {
			return nil, fmt.Errorf("audio_url is required")
		}
		await := true
		if raw.Await != nil {
			await = *raw.Await
		}
		return domain.AudioStep{Wait: wait, URL: audio, Await: await}, nil

	case domain.KindOptions:
		if err := allow("text"); err != nil {
			return nil, err
		}
		return domain.OptionsStep{Wait: wait, Prompt: text, YesLabel: c.Choices.Yes, NoLabel: c.Choices.No}, nil

	case domain.KindCallToAction:
		if err := allow("label", "text"); err != nil {
			return nil, err
		}
		if label == "" {
			label = text
		} else if text != "" && text != label {
			return nil, fmt.Errorf("label and text disagree")
		}
		if label == "" {
			return nil, fmt.Errorf("label is required")
		}
		return domain.CallToActionStep{Wait: wait, Label: label}, nil

	case domain.KindRedirect:
		if err := allow("url"); err != nil {
			return nil, err
		}
		if url == "" {
			url = c.RedirectURL
		}
		return domain.RedirectStep{Wait: wait, URL: url}, nil

	default:
		return nil, fmt.Errorf("unknown step type %q", raw.Type)
	}
}
