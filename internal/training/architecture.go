package training

import (
	"fmt"
	"slices"
)

// Architecture is the closed set of classifier variants. Each one has its own
// Trainer and input resolution.
type Architecture string

const (
	ArchXceptionMini   Architecture = "xception_mini"
	ArchResNet50       Architecture = "resnet50"
	ArchEfficientNetB3 Architecture = "efficientnetb3"
)

var resolutions = map[Architecture]int{
	ArchXceptionMini:   180,
	ArchResNet50:       224,
	ArchEfficientNetB3: 300,
}

func ParseArchitecture(s string) (Architecture, error) {
	a := Architecture(s)
	if _, ok := resolutions[a]; !ok {
		return "", fmt.Errorf("%w: %q (must be one of %v)", ErrInvalidArchitecture, s, Architectures())
	}
	return a, nil
}

// Resolution is the square input size images are resampled to.
func (a Architecture) Resolution() int {
	return resolutions[a]
}

func Architectures() []Architecture {
	out := make([]Architecture, 0, len(resolutions))
	for a := range resolutions {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
