package reconcile

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// vectorFile is the YAML layout of testdata/vectors.yaml. Operations are
// written as "LABEL INDEX SKIP".
type vectorFile struct {
	Vectors []struct {
		Name   string   `yaml:"name"`
		Trunk  []string `yaml:"trunk"`
		Branch []string `yaml:"branch"`
	} `yaml:"vectors"`
}

func parseOps(t *testing.T, specs []string) []model.Operation {
	t.Helper()
	ops := make([]model.Operation, 0, len(specs))
	for _, s := range specs {
		var label string
		var index, skip int
		_, err := fmt.Sscanf(s, "%s %d %d", &label, &index, &skip)
		require.NoError(t, err, "bad operation %q", s)
		ops = append(ops, op(label, index, skip))
	}
	return ops
}

// Render formats a reconciliation result for golden comparison.
func render(newTrunk, tail []model.Operation, err error) []byte {
	var b strings.Builder
	if err != nil {
		fmt.Fprintf(&b, "error: %s\n", errs.CodeOf(err))
		return []byte(b.String())
	}
	b.WriteString("trunk:\n")
	for _, o := range newTrunk {
		fmt.Fprintf(&b, "  %s\n", o)
	}
	b.WriteString("tail:\n")
	for _, o := range tail {
		fmt.Fprintf(&b, "  %s\n", o)
	}
	return []byte(b.String())
}

func TestAttachBranch_Vectors(t *testing.T) {
	data, err := os.ReadFile("testdata/vectors.yaml")
	require.NoError(t, err)

	var file vectorFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.NotEmpty(t, file.Vectors)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, v := range file.Vectors {
		t.Run(v.Name, func(t *testing.T) {
			newTrunk, tail, err := AttachBranch(parseOps(t, v.Trunk), parseOps(t, v.Branch))
			g.Assert(t, v.Name, render(newTrunk, tail, err))
		})
	}
}
