//go:build !cuda

package backend

import "errors"

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend is not available in this build")

func NewCUDA() (Backend, error) {
	return nil, errCUDAUnavailable
}
