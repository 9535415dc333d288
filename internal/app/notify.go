package app

import (
	"context"
	"errors"
	"time"

	"spendsense/internal/alerting"
)

// TestNotify 发送一条示例故障告警，用于验证告警通道配置。
func (a *App) TestNotify(ctx context.Context, userID string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		Tick:  time.Now().UTC(),
		Users: 1,
		Faults: []alerting.Fault{{
			UserID: userID,
			Stage:  "test",
			Error:  "synthetic fault raised by spendsense notify",
		}},
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "This is a test notification.\n",
	}
	return notifier.Notify(ctx, note)
}
