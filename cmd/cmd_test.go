package cmd

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/envconfig"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/model"
	"github.com/r2gencmn/r2gen/server"
)

const smallConfig = `
dataset_name = "iu_xray"
image_size = 8
visual_grid = 2
visual_pool = 2
d_vf = 8
d_model = 8
d_ff = 16
num_heads = 2
num_layers = 1
topk = 2
cmm_size = 4
cmm_dim = 8
max_seq_length = 4
`

// workspace isolates the r2gen home and returns a config path and two
// encoded views.
func workspace(t *testing.T) (string, []string) {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("R2GEN_HOME", dir)
	t.Setenv("R2GEN_CONFIG", "")
	t.Setenv("R2GEN_SEED", "")
	t.Setenv("R2GEN_HOST", "")

	config := filepath.Join(dir, "small.toml")
	require.NoError(t, os.WriteFile(config, []byte(smallConfig), 0o644))

	var images []string
	for i := range 2 {
		img := image.NewGray(image.Rect(0, 0, 12, 12))
		for j := range img.Pix {
			img.Pix[j] = uint8(j * (i + 1))
		}

		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))

		path := filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		images = append(images, path)
	}

	return config, images
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer
	cli := NewCLI()
	cli.SetArgs(args)
	cli.SetOut(&stdout)
	cli.SetErr(io.Discard)

	err := cli.ExecuteContext(t.Context())
	return stdout.String(), err
}

func TestParseOptions(t *testing.T) {
	got, err := parseOptions([]string{"max_seq_length=3", "temperature=0.5", "decoding_constraint=true", "sample_method=sample"})
	require.NoError(t, err)

	want := map[string]any{
		"max_seq_length":      3,
		"temperature":         0.5,
		"decoding_constraint": true,
		"sample_method":       "sample",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	none, err := parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = parseOptions([]string{"temperature"})
	assert.ErrorContains(t, err, "not key=value")

	_, err = parseOptions([]string{"=1"})
	assert.Error(t, err)
}

func TestNegativeLogLikelihood(t *testing.T) {
	// three steps over three classes
	logprobs := []float32{
		-1, -2, -3,
		-4, -5, -6,
		-7, -8, -9,
	}

	// predicts 1, then 0 (end of report); the third step is padding
	got := negativeLogLikelihood(logprobs, []int{1, 3, 3}, []int32{0, 1, 0, 0})
	assert.InDelta(t, (2.0+4.0)/2, got, 1e-9)

	assert.True(t, math.IsNaN(negativeLogLikelihood(logprobs, []int{9}, nil)))
	assert.True(t, math.IsNaN(negativeLogLikelihood(logprobs, []int{1, 3, 3}, []int32{0})))
}

func readFloat16(r io.Reader, n int) ([]float32, error) {
	u16s := make([]uint16, n)
	if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
		return nil, err
	}

	s := make([]float32, n)
	for i, u := range u16s {
		s[i] = float16.Frombits(u).Float32()
	}

	return s, nil
}

func TestFloat16(t *testing.T) {
	values := []float32{0, 0.5, -1.25, 3, 65504}

	var buf bytes.Buffer
	require.NoError(t, writeFloat16(&buf, values))
	assert.Equal(t, 2*len(values), buf.Len())

	got, err := readFloat16(&buf, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("R2GEN_HOME", dir)

	require.NoError(t, LoadDotEnv())

	// restore the variable after godotenv sets it
	t.Setenv("R2GEN_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("R2GEN_DOTENV_TEST"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("R2GEN_DOTENV_TEST=loaded\n"), 0o644))
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "loaded", os.Getenv("R2GEN_DOTENV_TEST"))
}

func TestConfigCommand(t *testing.T) {
	workspace(t)

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Equal(t, envconfig.GenerateExampleConfig(), out)

	path := filepath.Join(t.TempDir(), "config.toml")
	_, err = execute(t, "config", path)
	require.NoError(t, err)

	opts, err := envconfig.LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, api.DefaultOptions(), opts)

	_, err = execute(t, "config", path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestRunSample(t *testing.T) {
	config, images := workspace(t)

	out, err := execute(t, append([]string{"run", "-c", config, "--format", "json", "-o", "max_seq_length=3", "--retrieval-ids", "1,3"}, images...)...)
	require.NoError(t, err)

	var resp api.GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Tokens)
	assert.LessOrEqual(t, len(resp.Tokens), 3)
	assert.Len(t, resp.Logprobs, len(resp.Tokens))
}

func TestRunTrain(t *testing.T) {
	config, images := workspace(t)
	export := filepath.Join(t.TempDir(), "logprobs.f16")

	out, err := execute(t, append([]string{"run", "-c", config, "--mode", "train", "--report", "The heart is normal.", "--logprobs", export}, images...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "logprobs: 1x")
	assert.Contains(t, out, "nll: ")

	info, err := os.Stat(export)
	require.NoError(t, err)
	assert.Zero(t, info.Size()%2)
	assert.NotZero(t, info.Size())
}

func TestRunErrors(t *testing.T) {
	config, images := workspace(t)

	_, err := execute(t, "run", "-c", config, images[0])
	assert.ErrorIs(t, err, server.ErrViewCount)

	_, err = execute(t, append([]string{"run", "-c", config, "--mode", "train"}, images...)...)
	assert.ErrorContains(t, err, "targets are required")

	_, err = execute(t, append([]string{"run", "-c", config, "--format", "yaml"}, images...)...)
	assert.ErrorContains(t, err, "unknown format")

	_, err = execute(t, "run", "-c", config, "missing.png", "missing.png")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(t, append([]string{"run", "--remote", "--report", "normal"}, images...)...)
	assert.ErrorContains(t, err, "needs a local model")
}

func TestShowCommand(t *testing.T) {
	config, _ := workspace(t)

	out, err := execute(t, "show", "-c", config, "-v")
	require.NoError(t, err)

	for _, want := range []string{"BaseCMNModel(", "two_view", "visual_extractor", "encoder_decoder", "total trainable"} {
		assert.Contains(t, out, want)
	}
}

func TestRemote(t *testing.T) {
	config, images := workspace(t)

	opts, err := envconfig.LoadOptions(config)
	require.NoError(t, err)

	m, err := model.New(opts, ml.BackendParams{NumThreads: 2})
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewServer(m).GenerateRoutes())
	t.Cleanup(ts.Close)
	t.Setenv("R2GEN_HOST", ts.URL)

	out, err := execute(t, "show", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "two_view")

	out, err = execute(t, append([]string{"run", "--remote", "--format", "json"}, images...)...)
	require.NoError(t, err)

	var resp api.GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Tokens)

	_, err = execute(t, "run", "--remote", images[0])
	var statusErr api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.StatusCode)
}
