package hookengine

import "go.uber.org/multierr"

// InstallInline redirects execution at target to detour. The displaced
// prologue stays callable through the returned hook's Original.
func (r *Registry) InstallInline(target, detour uintptr, opts ...InstallOption) (*Hook, error) {
	return r.installCode(KindInline, target, detour, opts)
}

// InstallMid runs callback with the interrupted registers whenever execution
// reaches target, then carries on with the original code. callback must be
// a native function taking a *Registers; on Windows MidCallback builds one
// from a Go function.
func (r *Registry) InstallMid(target, callback uintptr, opts ...InstallOption) (*Hook, error) {
	return r.installCode(KindMid, target, callback, opts)
}

func (r *Registry) installCode(kind Kind, target, detour uintptr, opts []InstallOption) (*Hook, error) {
	cfg := newInstallConfig(opts)
	id := DetourID(detour)

	r.mu.Lock()
	defer r.mu.Unlock()
	if target == 0 {
		return nil, r.failed(kind, id, cfg, target, ErrInvalidAddress)
	}
	if err := r.admit(id, cfg); err != nil {
		return nil, r.failed(kind, id, cfg, target, err)
	}
	unlink, err := r.link(target)
	if err != nil {
		return nil, r.failed(kind, id, cfg, target, err)
	}
	code, err := buildCodeHook(r.space, codeRequest{
		target:   target,
		detour:   detour,
		mid:      kind == KindMid,
		prologue: cfg.prologue,
	})
	if err != nil {
		unlink()
		return nil, r.failed(kind, id, cfg, target, err)
	}
	h := &Hook{
		reg:    r,
		id:     id,
		kind:   kind,
		name:   cfg.name,
		target: target,
		detour: detour,
		conv:   cfg.conv,
		code:   code,
	}
	// the trampoline is complete and sealed; the redirect goes in last
	r.stacks[target] = append(r.stacks[target], h)
	if err := r.commit(h); err != nil {
		r.unstack(h)
		unlink()
		_ = code.release()
		return nil, r.failed(kind, id, cfg, target, err)
	}
	return h, nil
}

// Hooks sharing a target form a chain: each newer trampoline relocates the
// redirect of the hook beneath it. The topmost hook owns the target bytes;
// a hook further down is switched off by bypassing its trampoline entry.

func (r *Registry) topmost(h *Hook) bool {
	s := r.stacks[h.target]
	return len(s) > 0 && s[len(s)-1] == h
}

func (r *Registry) unstack(h *Hook) {
	s := r.stacks[h.target]
	for i, x := range s {
		if x == h {
			s = append(s[:i:i], s[i+1:]...)
			break
		}
	}
	if len(s) == 0 {
		delete(r.stacks, h.target)
		return
	}
	r.stacks[h.target] = s
}

// link puts a disabled topmost hook on target back into the chain, bypassed,
// so the next hook is built over its redirect. The returned func undoes it.
func (r *Registry) link(target uintptr) (func(), error) {
	s := r.stacks[target]
	if len(s) == 0 || s[len(s)-1].enabled {
		return func() {}, nil
	}
	top := s[len(s)-1].code
	if err := top.bypass(); err != nil {
		return nil, err
	}
	if err := top.enable(); err != nil {
		_ = top.unbypass()
		return nil, err
	}
	return func() {
		_ = top.disable()
		_ = top.unbypass()
	}, nil
}

func (r *Registry) applyCode(h *Hook) error {
	if r.topmost(h) {
		return h.code.enable()
	}
	return h.code.unbypass()
}

func (r *Registry) restoreCode(h *Hook) error {
	if r.topmost(h) {
		return h.code.disable()
	}
	return h.code.bypass()
}

// removeCode takes h out of its chain. A hook with others above it is
// spliced out: its entry is bypassed for good and the hook directly above
// takes over its trampoline and displaced bytes.
func (r *Registry) removeCode(h *Hook) error {
	s := r.stacks[h.target]
	i := len(s) - 1
	for i >= 0 && s[i] != h {
		i--
	}
	if i >= 0 && i < len(s)-1 {
		upper := s[i+1]
		err := h.code.bypass()
		upper.code.adopt(h.code)
		if r.topmost(upper) && !upper.enabled {
			err = multierr.Append(err, upper.code.disable())
		}
		r.unstack(h)
		return err
	}

	if h.enabled {
		if err := h.code.disable(); err != nil {
			// the target still runs through the trampoline, keep it
			r.unstack(h)
			return err
		}
	}
	r.unstack(h)
	var err error
	if s := r.stacks[h.target]; len(s) > 0 {
		if top := s[len(s)-1]; !top.enabled {
			// the target now holds top's redirect
			err = multierr.Append(top.code.unbypass(), top.code.disable())
		}
	}
	return multierr.Append(err, h.code.release())
}
