// Package nextcloud monitors a Nextcloud instance through its web UI.
//
// Configured by NEXTCLOUD_URL, NEXTCLOUD_USER and NEXTCLOUD_PASS.
package nextcloud

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/transaction"
)

func init() {
	transaction.Register("nextcloud/settings.go", func() transaction.Transaction {
		return &Settings{}
	})
}

var errCredentials = errors.New("NEXTCLOUD_USER and NEXTCLOUD_PASS must be set")

// Settings logs in, opens the personal settings and logs out again.
type Settings struct {
	transaction.Base

	url      string
	user     string
	password string
}

func (s *Settings) Setup(ctx context.Context) error {
	s.url = strings.TrimSuffix(os.Getenv("NEXTCLOUD_URL"), "/")
	if s.url == "" {
		s.url = "https://cloud.example.com"
	}
	s.user = os.Getenv("NEXTCLOUD_USER")
	s.password = os.Getenv("NEXTCLOUD_PASS")
	if s.user == "" || s.password == "" {
		return errCredentials
	}
	return s.Base.Setup(ctx)
}

func (s *Settings) Run(ctx context.Context) error {
	page := s.Session()
	steps := []struct {
		name   string
		action func(ctx context.Context) error
	}{
		{"01_open_login", func(ctx context.Context) error {
			return page.Navigate(ctx, s.url+"/login")
		}},
		{"02_login", func(ctx context.Context) error {
			if err := page.Fill(ctx, "input#user", s.user); err != nil {
				return err
			}
			if err := page.Fill(ctx, "input#password", s.password); err != nil {
				return err
			}
			if err := page.Click(ctx, "button[type=submit]"); err != nil {
				return err
			}
			return page.WaitVisible(ctx, "#app-content")
		}},
		{"03_open_settings", func(ctx context.Context) error {
			if err := page.Navigate(ctx, s.url+"/settings/user"); err != nil {
				return err
			}
			return page.WaitVisible(ctx, "#app-content")
		}},
		{"04_logout", func(ctx context.Context) error {
			if err := page.Click(ctx, "#user-menu button"); err != nil {
				return err
			}
			return page.Click(ctx, "#logout a")
		}},
	}
	for _, step := range steps {
		if err := s.Measure(ctx, step.name, step.action); err != nil {
			return err
		}
	}
	return nil
}
