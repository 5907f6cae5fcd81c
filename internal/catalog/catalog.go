// Package catalog loads the scripted funnel steps.
package catalog

import (
	"fmt"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// Bot describes the impersonated chat contact.
type Bot struct {
	Name   string `yaml:"name" json:"name"`
	Avatar string `yaml:"avatar" json:"avatar"`
}

// Choices holds the canonical labels for the yes/no answers.
type Choices struct {
	Yes string `yaml:"yes" json:"yes"`
	No  string `yaml:"no" json:"no"`
}

// Catalog is the immutable set of funnel branches.
type Catalog struct {
	Name              string
	Bot               Bot
	NotificationAudio string
	RedirectURL       string
	Choices           Choices
	PreloadImages     []string
	Source            string // file path or "builtin"

	branches map[domain.Branch][]domain.Step
}

// Branch returns a copy of the named branch.
func (c *Catalog) Branch(b domain.Branch) []domain.Step {
	steps := c.branches[b]
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	return out
}

// Welcome returns the steps played before the visitor picks a branch.
func (c *Catalog) Welcome() []domain.Step {
	return c.Branch(domain.BranchWelcome)
}

// Funnel returns the concrete sequence for a choice: the chosen branch followed by main.
func (c *Catalog) Funnel(choice domain.Choice) []domain.Step {
	branch := c.branches[choice.Branch()]
	main := c.branches[domain.BranchMain]
	out := make([]domain.Step, 0, len(branch)+len(main))
	out = append(out, branch...)
	out = append(out, main...)
	return out
}

// Label returns the canonical user-response text for a choice.
func (c *Catalog) Label(choice domain.Choice) string {
	if choice == domain.ChoiceYes {
		return c.Choices.Yes
	}
	return c.Choices.No
}

// AssetURLs returns every audio and image url the funnel may show, deduplicated,
// in first-seen order.
func (c *Catalog) AssetURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(c.Bot.Avatar)
	add(c.NotificationAudio)
	for _, u := range c.PreloadImages {
		add(u)
	}
	for _, b := range []domain.Branch{domain.BranchWelcome, domain.BranchYes, domain.BranchNo, domain.BranchMain} {
		for _, step := range c.branches[b] {
			switch s := step.(type) {
			case domain.AudioStep:
				add(s.URL)
			case domain.ImageStep:
				add(s.URL)
			}
		}
	}
	return urls
}

func (c *Catalog) validate() error {
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	if c.Choices.Yes == "" || c.Choices.No == "" {
		return fmt.Errorf("choices.yes and choices.no are required")
	}

	welcome := c.branches[domain.BranchWelcome]
	if len(welcome) == 0 {
		return fmt.Errorf("welcome branch is required")
	}
	if welcome[len(welcome)-1].Kind() != domain.KindOptions {
		return fmt.Errorf("welcome branch must end with an options step")
	}
	for i, step := range welcome[:len(welcome)-1] {
		if step.Kind() == domain.KindOptions || step.Kind() == domain.KindCallToAction || step.Kind() == domain.KindRedirect {
			return fmt.Errorf("welcome step %d: %s is only allowed as the last welcome step", i+1, step.Kind())
		}
	}

	if len(c.branches[domain.BranchMain]) == 0 {
		return fmt.Errorf("main branch is required")
	}
	for _, b := range []domain.Branch{domain.BranchYes, domain.BranchNo, domain.BranchMain} {
		for i, step := range c.branches[b] {
			if step.Kind() == domain.KindOptions {
				return fmt.Errorf("%s step %d: options is only allowed in the welcome branch", b, i+1)
			}
		}
	}
	return nil
}
