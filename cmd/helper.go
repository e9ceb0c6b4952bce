package cmd

import (
	"context"
	"fmt"

	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/images"
	"github.com/xenstack/vdisk/images/catalog"
	"github.com/xenstack/vdisk/images/objectstore"
	"github.com/xenstack/vdisk/utils"
	"github.com/xenstack/vdisk/xenapi"
)

// newSession opens a control-API session, preferring the local socket.
func newSession(ctx context.Context) (*xenapi.Client, error) {
	if conf.Socket != "" {
		if err := utils.CheckSocket(conf.Socket); err != nil {
			return nil, fmt.Errorf("control API socket %s: %w", conf.Socket, err)
		}
		sess, err := xenapi.NewSocketClient(ctx, conf.Socket, conf.Username, conf.Password)
		if err != nil {
			return nil, fmt.Errorf("connect to control API socket %s: %w", conf.Socket, err)
		}
		return sess, nil
	}
	sess, err := xenapi.NewClient(ctx, conf.Endpoint, conf.Username, conf.Password)
	if err != nil {
		return nil, fmt.Errorf("connect to control API %s: %w", conf.Endpoint, err)
	}
	return sess, nil
}

// newFetcher builds the configured image backend.
func newFetcher(sess xenapi.Session) (images.Fetcher, error) {
	switch conf.ImageBackend {
	case config.BackendCatalog:
		return catalog.New(conf, sess, catalog.NewClient(conf.CatalogEndpoint))
	case config.BackendObjectstore:
		return objectstore.New(conf, sess), nil
	default:
		return nil, fmt.Errorf("unknown image backend %q", conf.ImageBackend)
	}
}
