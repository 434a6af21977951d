// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLspciName(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		ok     bool
	}{{
		name:   "nvidia",
		output: "01:00.0 VGA compatible controller: NVIDIA Corporation TU116 [GeForce GTX 1660 SUPER] (rev a1)\n",
		want:   "TU116 [GeForce GTX 1660 SUPER]",
		ok:     true,
	}, {
		name:   "amd",
		output: "03:00.0 VGA compatible controller: Advanced Micro Devices, Inc. [AMD/ATI] Navi 21 [Radeon RX 6800/6800 XT / 6900 XT] (rev c1)",
		want:   "AMD Navi 21 [Radeon RX 6800/6800 XT / 6900 XT]",
		ok:     true,
	}, {
		name:   "intel",
		output: "00:02.0 VGA compatible controller: Intel Corporation Alder Lake-P GT2 [Iris Xe Graphics] (rev 0c)",
		want:   "Intel Alder Lake-P GT2 [Iris Xe Graphics]",
		ok:     true,
	}, {
		name:   "no revision",
		output: "00:02.0 Display controller: Matrox G200eW",
		want:   "Matrox G200eW",
		ok:     true,
	}, {
		name:   "only first line is used",
		output: "01:00.0 3D controller: NVIDIA Corporation GA100 [A100 SXM4 40GB] (rev a1)\n02:00.0 VGA compatible controller: other",
		want:   "GA100 [A100 SXM4 40GB]",
		ok:     true,
	}, {
		name:   "empty",
		output: "  \n",
	}, {
		name:   "single colon",
		output: "garbage: no second colon",
	}, {
		name:   "nothing after second colon",
		output: "01:00.0 VGA compatible controller:   ",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLspciName(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeRunner struct {
	out      string
	err      error
	block    bool
	gotName  string
	gotArgs  []string
	deadline bool
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.gotName = name
	f.gotArgs = args
	_, f.deadline = ctx.Deadline()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(f.out), f.err
}

func TestLspciNamer(t *testing.T) {
	t.Run("parses output", func(t *testing.T) {
		r := &fakeRunner{out: "01:00.0 VGA compatible controller: NVIDIA Corporation AD102 [GeForce RTX 4090] (rev a1)\n"}
		n := NewLspciNamer(time.Second, WithCommandRunner(r), WithLspciLogger(slog.Default()))

		name, ok := n.Name(context.Background(), "0000:01:00.0")
		require.True(t, ok)
		assert.Equal(t, "AD102 [GeForce RTX 4090]", name)
		assert.Equal(t, "lspci", r.gotName)
		assert.Equal(t, []string{"-s", "0000:01:00.0"}, r.gotArgs)
		assert.True(t, r.deadline, "invocation must be bounded")
	})

	t.Run("command failure", func(t *testing.T) {
		n := NewLspciNamer(time.Second, WithCommandRunner(&fakeRunner{err: errors.New("exec: lspci not found")}))
		_, ok := n.Name(context.Background(), "0000:01:00.0")
		assert.False(t, ok)
	})

	t.Run("timeout", func(t *testing.T) {
		n := NewLspciNamer(10*time.Millisecond, WithCommandRunner(&fakeRunner{block: true}))
		start := time.Now()
		_, ok := n.Name(context.Background(), "0000:01:00.0")
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("empty bus id", func(t *testing.T) {
		r := &fakeRunner{}
		n := NewLspciNamer(time.Second, WithCommandRunner(r))
		_, ok := n.Name(context.Background(), "")
		assert.False(t, ok)
		assert.Empty(t, r.gotName, "lspci is not invoked")
	})
}
