package realtime

import (
	"context"
	"errors"
)

// Notifier is the event channel the dispatcher talks to
type Notifier interface {
	ActiveGarageIDs(ctx context.Context) ([]string, error)
	SendToGroup(ctx context.Context, event string, payload any, groupID string) error
	// SendToUser reports whether the user had a live channel
	SendToUser(ctx context.Context, userID, event string, payload any) (bool, error)
}

// LocalNotifier delivers through a single process registry
type LocalNotifier struct {
	Registry *Registry
}

func NewLocalNotifier(registry *Registry) *LocalNotifier {
	return &LocalNotifier{Registry: registry}
}

func (n *LocalNotifier) ActiveGarageIDs(ctx context.Context) ([]string, error) {
	return n.Registry.ActiveGarageIDs(), nil
}

func (n *LocalNotifier) SendToGroup(ctx context.Context, event string, payload any, groupID string) error {
	n.Registry.SendToGroup(event, payload, groupID)
	return nil
}

func (n *LocalNotifier) SendToUser(ctx context.Context, userID, event string, payload any) (bool, error) {
	connID, ok := n.Registry.SocketFor(userID)
	if !ok {
		return false, nil
	}
	if err := n.Registry.EmitTo(connID, event, payload); err != nil {
		if errors.Is(err, ErrNoConnection) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
