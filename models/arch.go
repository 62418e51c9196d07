package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownArch is returned when an architecture name is not in the closed
// set this build knows how to construct.
var ErrUnknownArch = errors.New("unknown architecture")

// ResolverArch names a super-resolution network.
type ResolverArch int

const (
	// ResolverCNNH upsamples nearest-neighbour and refines with a residual
	// convolutional body.
	ResolverCNNH ResolverArch = iota
	// ResolverCNNHLite is CNNH with a narrower body, for small images and tests.
	ResolverCNNHLite
)

func (a ResolverArch) String() string {
	switch a {
	case ResolverCNNH:
		return "cnnh"
	case ResolverCNNHLite:
		return "cnnh_lite"
	default:
		return "unknown"
	}
}

// ParseResolverArch maps a configured name onto a ResolverArch.
func ParseResolverArch(name string) (ResolverArch, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cnnh", "cnn_h":
		return ResolverCNNH, nil
	case "cnnh_lite":
		return ResolverCNNHLite, nil
	default:
		return 0, fmt.Errorf("resolver %q: %w", name, ErrUnknownArch)
	}
}

// FeatureArch names a face-recognition network.
type FeatureArch int

const (
	// FeatureSphere20a is the 20-layer SphereFace network for 112x96 crops.
	FeatureSphere20a FeatureArch = iota
	// FeatureSphereMini keeps the sphere20a topology with one block per stage
	// and an eighth of the width.
	FeatureSphereMini
)

func (a FeatureArch) String() string {
	switch a {
	case FeatureSphere20a:
		return "sphere20a"
	case FeatureSphereMini:
		return "sphere_mini"
	default:
		return "unknown"
	}
}

// ParseFeatureArch maps a configured name onto a FeatureArch.
func ParseFeatureArch(name string) (FeatureArch, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sphere20a":
		return FeatureSphere20a, nil
	case "sphere_mini":
		return FeatureSphereMini, nil
	default:
		return 0, fmt.Errorf("feature network %q: %w", name, ErrUnknownArch)
	}
}
