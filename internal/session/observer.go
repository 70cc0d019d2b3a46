package session

import "context"

// PersistenceObserver mirrors session mutations into external storage.
// AcquireLock runs before a mutation with the current state; ReleaseLock runs
// after it with the new state. An empty state means the account data should
// be erased.
type PersistenceObserver interface {
	AcquireLock(ctx context.Context, accountName string, state map[string]any) error
	ReleaseLock(ctx context.Context, accountName string, state map[string]any) error
}

func (s *Session) snapshotObservers() ([]PersistenceObserver, string, map[string]any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PersistenceObserver(nil), s.observers...), s.state.AccountName, s.serializeLocked()
}

// acquire takes the mutation slot. Waiters are served in arrival order.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.mutation <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.mutation
}

// lock starts a mutating sequence: it takes the mutation slot, closes the
// request gate and locks every observer.
func (s *Session) lock(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	return s.begin(ctx)
}

// begin runs with the mutation slot held and releases it on failure.
func (s *Session) begin(ctx context.Context) error {
	s.gate.Close()
	observers, account, data := s.snapshotObservers()
	for i, o := range observers {
		if err := o.AcquireLock(ctx, account, data); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := observers[j].ReleaseLock(context.WithoutCancel(ctx), account, data); rerr != nil {
					s.logger().Warn().Err(rerr).Str("account", account).Msg("session: observer release failed")
				}
			}
			s.gate.Open()
			s.release()
			return err
		}
	}
	return nil
}

// unlock ends a mutating sequence. previousAccount names the account when
// the mutation cleared it. Observers are released in reverse order.
func (s *Session) unlock(ctx context.Context, previousAccount string) {
	defer s.release()
	s.gate.Open()
	observers, account, data := s.snapshotObservers()
	if account == "" {
		account = previousAccount
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(observers) - 1; i >= 0; i-- {
		if err := observers[i].ReleaseLock(ctx, account, data); err != nil {
			s.logger().Warn().Err(err).Str("account", account).Msg("session: observer release failed")
		}
	}
}
