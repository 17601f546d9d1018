package deployment

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/pkg/errors"
)

// Snapshot is the configuration of a function before it was patched for
// debugging. While a snapshot exists the function may still carry the patch.
type Snapshot struct {
	FunctionArn  string            `json:"functionArn" yaml:"functionArn"`
	FunctionName string            `json:"functionName" yaml:"functionName"`
	Region       string            `json:"region" yaml:"region"`
	Runtime      string            `json:"runtime" yaml:"runtime"`
	Timeout      int32             `json:"timeout" yaml:"timeout"`
	Layers       []string          `json:"layers" yaml:"layers"`
	Environment  map[string]string `json:"environment" yaml:"environment"`
	// Qualifier is the published debug version, if one was created.
	Qualifier string `json:"qualifier,omitempty" yaml:"qualifier,omitempty"`
	TunnelID  string `json:"tunnelId,omitempty" yaml:"tunnelId,omitempty"`
}

// Function returns the identifier used in Lambda calls, preferring the ARN.
func (s *Snapshot) Function() string {
	if s.FunctionArn != "" {
		return s.FunctionArn
	}
	return s.FunctionName
}

// Equivalent reports whether o has the same timeout, layers and environment.
func (s *Snapshot) Equivalent(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Timeout != o.Timeout || len(s.Layers) != len(o.Layers) || len(s.Environment) != len(o.Environment) {
		return false
	}
	for i := range s.Layers {
		if s.Layers[i] != o.Layers[i] {
			return false
		}
	}
	for k, v := range s.Environment {
		if ov, ok := o.Environment[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Diff lists the fields that differ between s and o, for logging.
func (s *Snapshot) Diff(o *Snapshot) []string {
	var fields []string
	if s.Timeout != o.Timeout {
		fields = append(fields, "timeout")
	}
	if strings.Join(s.Layers, ",") != strings.Join(o.Layers, ",") {
		fields = append(fields, "layers")
	}
	keys := map[string]struct{}{}
	for k := range s.Environment {
		keys[k] = struct{}{}
	}
	for k := range o.Environment {
		keys[k] = struct{}{}
	}
	var changed []string
	for k := range keys {
		if s.Environment[k] != o.Environment[k] {
			changed = append(changed, "environment."+k)
		}
	}
	sort.Strings(changed)
	return append(fields, changed...)
}

func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Layers = append([]string(nil), s.Layers...)
	c.Environment = make(map[string]string, len(s.Environment))
	for k, v := range s.Environment {
		c.Environment[k] = v
	}
	return &c
}

func RegionFromArn(functionArn string) (string, error) {
	parsed, err := arn.Parse(functionArn)
	if err != nil {
		return "", errors.Wrapf(err, "invalid function arn %q", functionArn)
	}
	if parsed.Region == "" {
		return "", errors.Errorf("function arn %q has no region", functionArn)
	}
	return parsed.Region, nil
}
