package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"gridxfer/pkg/types"
)

// FileDriver stores replicas under a root directory named by the element's
// "file" endpoint. It trusts the ticket the catalogue attached.
type FileDriver struct{}

func NewFileDriver() *FileDriver { return &FileDriver{} }

func (d *FileDriver) Get(ctx context.Context, root string, replica *types.PhysicalReplica, dest string) error {
	src, err := physicalPath(root, replica.Location)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return types.NewError(types.CodeNameNotFound, "get", replica.String(), nil)
	}
	if err != nil {
		return types.NewError(types.CodeTransportFailure, "get", replica.String(), err)
	}
	defer in.Close()

	if err := copyAtomic(ctx, in, dest); err != nil {
		return types.NewError(types.CodeTransportFailure, "get", replica.String(), err)
	}
	return nil
}

func (d *FileDriver) Put(ctx context.Context, root string, replica *types.PhysicalReplica, local string) (string, error) {
	target, err := physicalPath(root, replica.Location)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return "", types.Errorf(types.CodeTransportFailure, "put", "%s already stored", replica)
	}

	in, err := os.Open(local)
	if err != nil {
		return "", types.NewError(types.CodeTransportFailure, "put", local, err)
	}
	defer in.Close()

	if err := copyAtomic(ctx, in, target); err != nil {
		return "", types.NewError(types.CodeTransportFailure, "put", replica.String(), err)
	}
	return "", nil
}

func (d *FileDriver) Delete(ctx context.Context, root string, replica *types.PhysicalReplica) (bool, error) {
	target, err := physicalPath(root, replica.Location)
	if err != nil {
		return false, err
	}
	err = os.Remove(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, types.NewError(types.CodeTransportFailure, "delete", replica.String(), err)
	}
	return true, nil
}

func (d *FileDriver) Close() error { return nil }

func physicalPath(root, location string) (string, error) {
	clean := path.Clean("/" + location)
	if root == "" || clean == "/" {
		return "", types.Errorf(types.CodeInvalidArgument, "resolve", "invalid location %q under %q", location, root)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// copyAtomic writes r to a temporary sibling of dest and renames it into
// place once complete.
func copyAtomic(ctx context.Context, r io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// writeAtomic is copyAtomic for bytes already in memory.
func writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
