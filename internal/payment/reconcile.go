package payment

import "towncapture/internal/session"

// Action はイベントによる状態遷移
type Action string

const (
	ActionNone        Action = "none"
	ActionMarkPaid    Action = "mark_paid"
	ActionMarkPending Action = "mark_pending"
	ActionMarkFailed  Action = "mark_failed"
	ActionMarkExpired Action = "mark_expired"
)

// Decision はReconcileの判定結果
type Decision struct {
	Action Action
	Reason string
}

// Reconcile はセッションの現在状態とイベントから遷移を決める
// 支払い済みのセッションは決して戻さない
func Reconcile(s *session.Session, ev Event) Decision {
	if s == nil {
		return Decision{ActionNone, "unknown session"}
	}
	if s.Paid || s.Phase == session.PhasePaid {
		return Decision{ActionNone, "already paid"}
	}

	switch ev.Kind {
	case EventPaid:
		// 掃除済みのセッションには発行しない
		if !payable(s) {
			return Decision{ActionNone, "session not payable: " + string(s.Phase)}
		}
		return Decision{ActionMarkPaid, ""}

	case EventPending:
		if s.Phase == session.PhaseCaptured {
			return Decision{ActionMarkPending, ""}
		}
		return Decision{ActionNone, "not awaiting payment: " + string(s.Phase)}

	case EventFailed, EventExpired:
		if s.Phase != session.PhaseCaptured && s.Phase != session.PhasePendingPayment {
			return Decision{ActionNone, "not awaiting payment: " + string(s.Phase)}
		}
		if ev.Kind == EventExpired {
			return Decision{ActionMarkExpired, ""}
		}
		return Decision{ActionMarkFailed, ""}
	}
	return Decision{ActionNone, "ignored event"}
}
