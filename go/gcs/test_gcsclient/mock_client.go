package test_gcsclient

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/mock"
	"go.skia.org/rebaseline/go/gcs"
)

// GCSClient is a testify mock of gcs.GCSClient.
type GCSClient struct {
	mock.Mock
}

// NewMockClient returns a new mock GCSClient
func NewMockClient() *GCSClient {
	return &GCSClient{}
}

// FileReader provides a mock function with given fields: ctx, path
func (_m *GCSClient) FileReader(ctx context.Context, path string) (io.ReadCloser, error) {
	ret := _m.Called(ctx, path)
	var r0 io.ReadCloser
	if rf, ok := ret.Get(0).(func(context.Context, string) io.ReadCloser); ok {
		r0 = rf(ctx, path)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(io.ReadCloser)
	}
	return r0, ret.Error(1)
}

// GetFileObjectAttrs provides a mock function with given fields: ctx, path
func (_m *GCSClient) GetFileObjectAttrs(ctx context.Context, path string) (*storage.ObjectAttrs, error) {
	ret := _m.Called(ctx, path)
	var r0 *storage.ObjectAttrs
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*storage.ObjectAttrs)
	}
	return r0, ret.Error(1)
}

// Bucket provides a mock function with given fields:
func (_m *GCSClient) Bucket() string {
	ret := _m.Called()
	return ret.String(0)
}

var _ gcs.GCSClient = (*GCSClient)(nil)
