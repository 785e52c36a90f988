// Package device implements the platform capabilities a field device needs:
// permission answers, battery readings and a location source.
package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/marcus/fieldsync/internal/models"
)

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
}

// Permission answers one OS permission (location or camera). The initial
// answer comes from config; Request asks through the Prompter when the
// answer is not yet determined.
type Permission struct {
	name   string
	prompt Prompter

	mu     sync.Mutex
	status models.PermissionStatus
}

// NewPermission creates a permission with a configured initial status.
// prompt may be nil, in which case Request leaves the answer undetermined.
func NewPermission(name string, initial models.PermissionStatus, prompt Prompter) *Permission {
	if initial == "" {
		initial = models.PermissionNotDetermined
	}
	return &Permission{name: name, status: initial, prompt: prompt}
}

// Status returns the current answer.
func (p *Permission) Status(ctx context.Context) (models.PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

// Request performs the explicit request step. An answer that is already
// determined is returned unchanged.
func (p *Permission) Request(ctx context.Context) (models.PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != models.PermissionNotDetermined || p.prompt == nil {
		return p.status, nil
	}
	ok, err := p.prompt.Confirm(ctx,
		fmt.Sprintf("Allow fieldsync to use %s?", p.name),
		fmt.Sprintf("fieldsync needs %s access to record field evidence.", p.name))
	if err != nil {
		return p.status, fmt.Errorf("request %s permission: %w", p.name, err)
	}
	if ok {
		p.status = models.PermissionGranted
	} else {
		p.status = models.PermissionDenied
	}
	return p.status, nil
}

// Revoke marks the permission denied, as when the user withdraws it.
func (p *Permission) Revoke() {
	p.mu.Lock()
	p.status = models.PermissionDenied
	p.mu.Unlock()
}

// HuhPrompter asks on the terminal with a huh confirm form.
type HuhPrompter struct{}

// Confirm shows a yes/no form.
func (HuhPrompter) Confirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Allow").
			Negative("Deny").
			Value(&ok),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return ok, nil
}

// TerminalPrompter returns a HuhPrompter when stdin is a terminal, nil otherwise.
func TerminalPrompter() Prompter {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return HuhPrompter{}
}
