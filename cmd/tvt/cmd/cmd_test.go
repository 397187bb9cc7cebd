package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestArg(t *testing.T) {
	assert.Equal(t, "model.safetensors.tvm.json", manifestArg("model.safetensors"))
	assert.Equal(t, "model.safetensors.tvm.json", manifestArg("model.safetensors.tvm.json"))
}

func TestManifestName(t *testing.T) {
	assert.Equal(t, "model.safetensors", manifestName("model.safetensors.tvm.json"))
	assert.Equal(t, "model.safetensors", manifestName("checkpoints/model.safetensors.tvm.json"))
}
