package domain

import (
	"fmt"
	"sort"
)

// StoryDNA is phase 1: the core identity of the story.
type StoryDNA struct {
	Title       string `json:"title"`
	Logline     string `json:"logline"`
	Summary     string `json:"summary"`
	Genre       string `json:"genre"`
	Tone        string `json:"tone"`
	Theme       string `json:"theme"`
	Protagonist string `json:"protagonist"`
	Antagonist  string `json:"antagonist"`
	Stakes      string `json:"stakes"`
	Setting     string `json:"setting"`
}

var dnaFields = fieldTable[StoryDNA]{
	"title":       scalar(func(d *StoryDNA) *string { return &d.Title }, false),
	"logline":     scalar(func(d *StoryDNA) *string { return &d.Logline }, false),
	"summary":     scalar(func(d *StoryDNA) *string { return &d.Summary }, false),
	"genre":       scalar(func(d *StoryDNA) *string { return &d.Genre }, true),
	"tone":        scalar(func(d *StoryDNA) *string { return &d.Tone }, false),
	"theme":       scalar(func(d *StoryDNA) *string { return &d.Theme }, false),
	"protagonist": scalar(func(d *StoryDNA) *string { return &d.Protagonist }, true),
	"antagonist":  scalar(func(d *StoryDNA) *string { return &d.Antagonist }, true),
	"stakes":      scalar(func(d *StoryDNA) *string { return &d.Stakes }, false),
	"setting":     scalar(func(d *StoryDNA) *string { return &d.Setting }, false),
}

func (d *StoryDNA) Phase() Phase                      { return PhaseDNA }
func (d *StoryDNA) Get(path string) (string, error)   { return dnaFields.get(d, path) }
func (d *StoryDNA) Set(path, value string) error      { return dnaFields.set(d, path, value) }
func (d *StoryDNA) Structural(path string) bool       { return dnaFields.structural(path) }
func (d *StoryDNA) Paths() []string                   { return dnaFields.scalars() }
func (d *StoryDNA) IsEmpty() bool                     { return isBlank(d) }
func (d *StoryDNA) Clone() Content                    { c := *d; return &c }

// SceneOutline is one scene of the structure phase.
type SceneOutline struct {
	Title   string `json:"title"`
	Purpose string `json:"purpose"`
	Summary string `json:"summary"`
}

// SceneStructure is phase 2: the ordered scene plan.
type SceneStructure struct {
	Premise   string         `json:"premise"`
	Stakes    string         `json:"stakes"`
	Structure string         `json:"structure"`
	Scenes    []SceneOutline `json:"scenes"`
}

func structureScenes(s *SceneStructure) []SceneOutline { return s.Scenes }

var structureFields = fieldTable[SceneStructure]{
	"premise":          scalar(func(s *SceneStructure) *string { return &s.Premise }, false),
	"stakes":           scalar(func(s *SceneStructure) *string { return &s.Stakes }, false),
	"structure":        scalar(func(s *SceneStructure) *string { return &s.Structure }, true),
	"scenes.*.title":   indexed(structureScenes, func(o *SceneOutline) *string { return &o.Title }, true),
	"scenes.*.purpose": indexed(structureScenes, func(o *SceneOutline) *string { return &o.Purpose }, false),
	"scenes.*.summary": indexed(structureScenes, func(o *SceneOutline) *string { return &o.Summary }, false),
}

func (s *SceneStructure) Phase() Phase                    { return PhaseStructure }
func (s *SceneStructure) Get(path string) (string, error) { return structureFields.get(s, path) }
func (s *SceneStructure) Set(path, value string) error    { return structureFields.set(s, path, value) }
func (s *SceneStructure) Structural(path string) bool     { return structureFields.structural(path) }
func (s *SceneStructure) IsEmpty() bool                   { return isBlank(s) }

func (s *SceneStructure) Paths() []string {
	out := structureFields.scalars()
	for i := range s.Scenes {
		out = append(out,
			fmt.Sprintf("scenes.%d.title", i),
			fmt.Sprintf("scenes.%d.purpose", i),
			fmt.Sprintf("scenes.%d.summary", i),
		)
	}
	sort.Strings(out)
	return out
}

func (s *SceneStructure) Clone() Content {
	c := *s
	c.Scenes = append([]SceneOutline(nil), s.Scenes...)
	return &c
}

// SceneBeatSet holds the beats of one scene.
type SceneBeatSet struct {
	SceneTitle string   `json:"scene_title"`
	Beats      []string `json:"beats"`
}

// SceneBeats is phase 3: beat-by-beat breakdown per scene.
type SceneBeats struct {
	Scenes []SceneBeatSet `json:"scenes"`
}

func beatScenes(b *SceneBeats) []SceneBeatSet { return b.Scenes }

func beatAt(b *SceneBeats, idx []int) (*string, bool) {
	if len(idx) < 2 || idx[0] >= len(b.Scenes) {
		return nil, false
	}
	beats := b.Scenes[idx[0]].Beats
	if idx[1] >= len(beats) {
		return nil, false
	}
	return &beats[idx[1]], true
}

var beatsFields = fieldTable[SceneBeats]{
	"scenes.*.scene_title": indexed(beatScenes, func(s *SceneBeatSet) *string { return &s.SceneTitle }, true),
	"scenes.*.beats.*": {
		get: func(b *SceneBeats, idx []int) (string, bool) {
			p, ok := beatAt(b, idx)
			if !ok {
				return "", false
			}
			return *p, true
		},
		set: func(b *SceneBeats, idx []int, v string) bool {
			p, ok := beatAt(b, idx)
			if ok {
				*p = v
			}
			return ok
		},
	},
}

func (b *SceneBeats) Phase() Phase                    { return PhaseBeats }
func (b *SceneBeats) Get(path string) (string, error) { return beatsFields.get(b, path) }
func (b *SceneBeats) Set(path, value string) error    { return beatsFields.set(b, path, value) }
func (b *SceneBeats) Structural(path string) bool     { return beatsFields.structural(path) }
func (b *SceneBeats) IsEmpty() bool                   { return isBlank(b) }

func (b *SceneBeats) Paths() []string {
	var out []string
	for i, s := range b.Scenes {
		out = append(out, fmt.Sprintf("scenes.%d.scene_title", i))
		for j := range s.Beats {
			out = append(out, fmt.Sprintf("scenes.%d.beats.%d", i, j))
		}
	}
	sort.Strings(out)
	return out
}

func (b *SceneBeats) Clone() Content {
	c := SceneBeats{Scenes: make([]SceneBeatSet, len(b.Scenes))}
	for i, s := range b.Scenes {
		c.Scenes[i] = SceneBeatSet{
			SceneTitle: s.SceneTitle,
			Beats:      append([]string(nil), s.Beats...),
		}
	}
	if b.Scenes == nil {
		c.Scenes = nil
	}
	return &c
}

// ExecutiveDocument is phase 4: the pitch-ready summary document.
type ExecutiveDocument struct {
	Title             string `json:"title"`
	Logline           string `json:"logline"`
	Synopsis          string `json:"synopsis"`
	Characters        string `json:"characters"`
	Themes            string `json:"themes"`
	Stakes            string `json:"stakes"`
	MarketPositioning string `json:"market_positioning"`
}

var documentFields = fieldTable[ExecutiveDocument]{
	"title":              scalar(func(d *ExecutiveDocument) *string { return &d.Title }, false),
	"logline":            scalar(func(d *ExecutiveDocument) *string { return &d.Logline }, false),
	"synopsis":           scalar(func(d *ExecutiveDocument) *string { return &d.Synopsis }, true),
	"characters":         scalar(func(d *ExecutiveDocument) *string { return &d.Characters }, false),
	"themes":             scalar(func(d *ExecutiveDocument) *string { return &d.Themes }, false),
	"stakes":             scalar(func(d *ExecutiveDocument) *string { return &d.Stakes }, false),
	"market_positioning": scalar(func(d *ExecutiveDocument) *string { return &d.MarketPositioning }, false),
}

func (d *ExecutiveDocument) Phase() Phase                    { return PhaseDocument }
func (d *ExecutiveDocument) Get(path string) (string, error) { return documentFields.get(d, path) }
func (d *ExecutiveDocument) Set(path, value string) error    { return documentFields.set(d, path, value) }
func (d *ExecutiveDocument) Structural(path string) bool     { return documentFields.structural(path) }
func (d *ExecutiveDocument) Paths() []string                 { return documentFields.scalars() }
func (d *ExecutiveDocument) IsEmpty() bool                   { return isBlank(d) }
func (d *ExecutiveDocument) Clone() Content                  { c := *d; return &c }
