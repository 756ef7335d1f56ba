package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/loykin/helmd"
	"github.com/loykin/helmd/pkg/client"
)

// command runs each operation either against the local host through the
// helmd facade or, with --api-url, against a daemon.
type command struct {
	out  io.Writer
	open func(path string) (*helmd.Helmd, error)
}

func newCommand() command {
	return command{out: os.Stdout, open: helmd.Open}
}

// api returns a daemon client when --api-url is set, nil otherwise.
func (c command) api(g GlobalFlags) (*client.Client, error) {
	if g.APIUrl == "" {
		return nil, nil
	}
	return newClient(g)
}

func newClient(g GlobalFlags) (*client.Client, error) {
	cfg := client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout, Insecure: g.APIInsecure}
	if g.APICACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: g.APICACert}
	}
	return client.New(cfg)
}

// local opens the facade for one command and closes it afterwards.
func (c command) local(g GlobalFlags, fn func(h *helmd.Helmd) error) error {
	h, err := c.open(g.ConfigPath)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	return fn(h)
}

// report prints v and turns an unsuccessful result into an error so the
// process exits non-zero.
func (c command) report(op, name string, v any, ok bool, msg string) error {
	printJSON(c.out, v)
	if !ok {
		return fmt.Errorf("%s %s: %s", op, name, msg)
	}
	return nil
}

func (c command) List(ctx context.Context, g GlobalFlags) error {
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		svcs, err := api.Services(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, svcs)
		return nil
	}
	return c.local(g, func(h *helmd.Helmd) error {
		printJSON(c.out, h.ListServices())
		return nil
	})
}

func (c command) Status(ctx context.Context, g GlobalFlags, f StatusFlags) error {
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		var v any
		if f.Name == "" {
			v, err = api.StatusAll(ctx)
		} else {
			v, err = api.Status(ctx, f.Name)
		}
		if err != nil {
			return err
		}
		printJSON(c.out, v)
		return nil
	}
	return c.local(g, func(h *helmd.Helmd) error {
		if f.Name == "" {
			printJSON(c.out, h.StatusOfAll(ctx))
			return nil
		}
		st, err := h.StatusOf(ctx, f.Name)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	})
}

func (c command) Start(ctx context.Context, g GlobalFlags, f StartFlags) error {
	mode, err := helmd.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		res, err := api.Start(ctx, f.Name, string(mode))
		if err != nil {
			return err
		}
		return c.report("start", f.Name, res, res.Success, res.Message)
	}
	return c.local(g, func(h *helmd.Helmd) error {
		res := h.Start(ctx, f.Name, mode)
		return c.report("start", f.Name, res, res.Success, res.Message)
	})
}

func (c command) Stop(ctx context.Context, g GlobalFlags, f StopFlags) error {
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		res, err := api.Stop(ctx, f.Name)
		if err != nil {
			return err
		}
		return c.report("stop", f.Name, res, res.Success, res.Message)
	}
	return c.local(g, func(h *helmd.Helmd) error {
		res := h.Stop(ctx, f.Name)
		return c.report("stop", f.Name, res, res.Success, res.Message)
	})
}

func (c command) Restart(ctx context.Context, g GlobalFlags, f StartFlags) error {
	mode, err := helmd.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		res, err := api.Restart(ctx, f.Name, string(mode))
		if err != nil {
			return err
		}
		return c.report("restart", f.Name, res, res.Success, res.Start.Message)
	}
	return c.local(g, func(h *helmd.Helmd) error {
		res := h.Restart(ctx, f.Name, mode)
		return c.report("restart", f.Name, res, res.Success, res.Start.Message)
	})
}

func (c command) Logs(ctx context.Context, g GlobalFlags, f LogsFlags) error {
	sel, err := helmd.ParseLogSelection(f.Type)
	if err != nil {
		return err
	}
	api, err := c.api(g)
	if err != nil {
		return err
	}
	if api != nil {
		logs, err := api.Logs(ctx, f.Name, f.Lines, string(sel))
		if err != nil {
			return err
		}
		printJSON(c.out, logs)
		return nil
	}
	return c.local(g, func(h *helmd.Helmd) error {
		logs, err := h.TailLogs(f.Name, f.Lines, sel)
		if err != nil {
			return err
		}
		printJSON(c.out, logs)
		return nil
	})
}

// Metrics and Reload only make sense against a daemon; without --api-url
// they target the default local address.
func (c command) Metrics(ctx context.Context, g GlobalFlags, f StatusFlags) error {
	api, err := newClient(g)
	if err != nil {
		return err
	}
	samples, err := api.Metrics(ctx, f.Name)
	if err != nil {
		return err
	}
	printJSON(c.out, samples)
	return nil
}

func (c command) Reload(ctx context.Context, g GlobalFlags) error {
	api, err := newClient(g)
	if err != nil {
		return err
	}
	if err := api.Reload(ctx); err != nil {
		return err
	}
	printJSON(c.out, map[string]bool{"ok": true})
	return nil
}

// Serve runs the daemon in the foreground until ctx is cancelled.
func (c command) Serve(ctx context.Context, g GlobalFlags, f ServeFlags) error {
	return c.local(g, func(h *helmd.Helmd) error {
		if f.Listen != "" {
			h.Config().Server.Listen = f.Listen
		}
		return h.Serve(ctx, f.Watch)
	})
}
