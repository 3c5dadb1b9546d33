//go:build cuda

package backend

import (
	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/collective/nccl"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/device/cuda"
)

const cudaEnabled = true

type cudaBackend struct {
	lib *nccl.Library
}

func NewCUDA() (Backend, error) {
	return &cudaBackend{lib: nccl.New()}, nil
}

func (b *cudaBackend) Name() string { return CUDA }

func (b *cudaBackend) Platform() (device.Platform, error) {
	return cuda.NewPlatform()
}

func (b *cudaBackend) Collectives() collective.Library { return b.lib }
