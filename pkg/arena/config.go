package arena

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/rayforge/bvharena/pkg/opt"
)

// SizingPolicy overrides some or all of the values InitEstimate would
// otherwise compute from a byte estimate. Every field is optional: an
// absent key in the source YAML means "keep the computed default",
// represented here as opt.None rather than a zero value (which would mean
// "force this to zero").
type SizingPolicy struct {
	DefaultBlockSize opt.Option[int64] `yaml:"default_block_size"`
	GrowSize         opt.Option[int64] `yaml:"grow_size"`
	MaxGrowSize      opt.Option[int64] `yaml:"max_grow_size"`
	SingleMode       opt.Option[bool]  `yaml:"single_mode"`
	Compact          opt.Option[bool]  `yaml:"compact"`
}

// rawSizingPolicy mirrors SizingPolicy with plain pointer fields, since
// yaml.v3 does not know how to unmarshal into opt.Option[T] directly.
type rawSizingPolicy struct {
	DefaultBlockSize *int64 `yaml:"default_block_size"`
	GrowSize         *int64 `yaml:"grow_size"`
	MaxGrowSize      *int64 `yaml:"max_grow_size"`
	SingleMode       *bool  `yaml:"single_mode"`
	Compact          *bool  `yaml:"compact"`
}

// LoadSizingPolicy reads a YAML-encoded SizingPolicy from r. Keys that are
// absent or null decode to opt.None, so they don't clobber the sizing
// policy InitEstimate would otherwise compute.
func LoadSizingPolicy(r io.Reader) (SizingPolicy, error) {
	var raw rawSizingPolicy
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return SizingPolicy{}, err
	}

	return SizingPolicy{
		DefaultBlockSize: opt.Wrap(raw.DefaultBlockSize),
		GrowSize:         opt.Wrap(raw.GrowSize),
		MaxGrowSize:      opt.Wrap(raw.MaxGrowSize),
		SingleMode:       opt.Wrap(raw.SingleMode),
		Compact:          opt.Wrap(raw.Compact),
	}, nil
}

// ApplySizingPolicy overrides the arena's current sizing policy fields that are
// present in p. It is meant to be called right after InitEstimate, whose
// formulaic defaults it selectively replaces.
func (a *Arena) ApplySizingPolicy(p SizingPolicy) {
	if p.DefaultBlockSize.IsSome() {
		a.defaultBlockSize.Store(p.DefaultBlockSize.Unwrap())
	}
	if p.GrowSize.IsSome() {
		a.growSize.Store(p.GrowSize.Unwrap())
	}
	if p.MaxGrowSize.IsSome() {
		a.maxGrowSize.Store(p.MaxGrowSize.Unwrap())
	}
	if p.SingleMode.IsSome() {
		a.singleMode.Store(p.SingleMode.Unwrap())
	}
	if p.Compact.IsSome() {
		if p.Compact.Unwrap() {
			a.slotMask = 0
		} else {
			a.slotMask = MaxSlots - 1
		}
	}
}
