package coordination

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// CreateIfNotExists creates a persistent node and treats ErrNodeExists as success.
func CreateIfNotExists(ctx context.Context, c Client, p string, data []byte) error {
	_, err := c.Create(ctx, p, data, Persistent)
	if err != nil && !errors.Is(err, ErrNodeExists) {
		return err
	}
	return nil
}

// CreateAncestors makes sure every parent of p exists.
func CreateAncestors(ctx context.Context, c Client, p string) error {
	parts := strings.Split(strings.Trim(path.Dir(p), "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		if err := CreateIfNotExists(ctx, c, cur, nil); err != nil {
			return errors.Wrapf(err, "create ancestor %s", cur)
		}
	}
	return nil
}

// RemoveRecursive deletes p and its whole subtree. A missing node is not an error.
func RemoveRecursive(ctx context.Context, c Client, p string) error {
	children, err := c.Children(ctx, p)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := RemoveRecursive(ctx, c, Join(p, child)); err != nil {
			return err
		}
	}
	err = c.Delete(ctx, p, AnyVersion)
	if err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}

// WaitForDisappear blocks until p does not exist, the context is done or
// the session expires.
func WaitForDisappear(ctx context.Context, c Client, p string) error {
	for {
		exists, _, watch, err := c.ExistsW(ctx, p)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Expired():
			return ErrSessionExpired
		case <-watch:
		}
	}
}
