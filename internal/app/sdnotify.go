package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"castbot/internal/adapters/telegram"
	"castbot/internal/messenger"
)

// sd_notify is a no-op when NOTIFY_SOCKET is unset, so these are safe to call
// outside of systemd too.
func notifyReady()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func notifyStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

// dispatchAdapter avoids handing the dispatcher a non-nil interface wrapping
// a nil *telegram.Adapter.
func dispatchAdapter(a *telegram.Adapter) messenger.Adapter {
	if a == nil {
		return nil
	}
	return a
}
