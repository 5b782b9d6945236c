// Package access decides which employees may see, send to and receive live
// events for a WhatsApp conversation.
//
// Retarget conversations move through initiated -> engaged -> handed_to_sales.
// Until the handover the Advert workflow owns them; afterwards a Sales agent
// does, and Advert loses access. Every other conversation is fenced only by
// the business phone the employee's role and areas may use.
package access

import (
	"context"

	"whatsapp-inbox/internal/metrics"
	"whatsapp-inbox/internal/models"

	"go.uber.org/zap"
)

// PhoneResolver answers which business phones a role with the given areas
// may use. *routing.Directory implements it.
type PhoneResolver interface {
	Resolve(ctx context.Context, role models.Role, areas []string) ([]string, error)
}

// Reason names the rule that settled a decision.
type Reason string

const (
	ReasonMissingRole        Reason = "missing_role"
	ReasonInternal           Reason = "internal"
	ReasonResolverError      Reason = "resolver_error"
	ReasonPhoneDenied        Reason = "phone_denied"
	ReasonNotRetarget        Reason = "not_retarget"
	ReasonAdvertPreHandover  Reason = "advert_pre_handover"
	ReasonLockedPreHandover  Reason = "locked_pre_handover"
	ReasonAdvertHandedOver   Reason = "advert_handed_over"
	ReasonSalesAssigned      Reason = "sales_assigned"
	ReasonSalesUnassigned    Reason = "sales_unassigned"
	ReasonSalesOtherAssignee Reason = "sales_other_assignee"
	ReasonRoleHandedOver     Reason = "role_handed_over"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Evaluator holds no per-request state. It never caches a decision and never
// writes to the conversation it is given.
type Evaluator struct {
	phones  PhoneResolver
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewEvaluator wires the evaluator. log and m may be nil. Without phones only
// internal conversations are reachable.
func NewEvaluator(phones PhoneResolver, log *zap.Logger, m *metrics.Metrics) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{phones: phones, log: log, metrics: m}
}

// CanAccessConversation reports whether user may view or send to conv.
func (e *Evaluator) CanAccessConversation(ctx context.Context, user models.Employee, conv models.Conversation) bool {
	return e.Decide(ctx, user, conv).Allowed
}

// Decide runs the access rules in order; the first rule that applies wins.
//
//  1. internal conversations are open to everyone
//  2. the business phone must be one the user's role and areas may use
//  3. non-retarget conversations need nothing more
//  4. before handover only Advert has access
//  5. after handover only Sales has access, and only the assigned agent when
//     one is set
//
// An assigned agent never bypasses rule 2.
func (e *Evaluator) Decide(ctx context.Context, user models.Employee, conv models.Conversation) Decision {
	d := e.decide(ctx, user, conv)
	e.metrics.ObserveAccess("conversation", d.Allowed, string(d.Reason))
	if !d.Allowed {
		e.log.Debug("conversation access denied",
			zap.String("user_id", user.ID),
			zap.String("role", string(user.Role)),
			zap.String("conversation_id", conv.ID),
			zap.String("reason", string(d.Reason)),
		)
	}
	return d
}

func (e *Evaluator) decide(ctx context.Context, user models.Employee, conv models.Conversation) Decision {
	if !user.Role.Valid() {
		return deny(ReasonMissingRole)
	}
	if conv.IsInternal() {
		return allow(ReasonInternal)
	}

	if e.phones == nil {
		e.log.Warn("no phone resolver configured, denying", zap.String("user_id", user.ID))
		return deny(ReasonResolverError)
	}
	phones, err := e.phones.Resolve(ctx, user.Role, user.AllotedArea)
	if err != nil {
		e.log.Warn("phone resolution failed, denying",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return deny(ReasonResolverError)
	}
	if conv.BusinessPhoneID == "" || !contains(phones, conv.BusinessPhoneID) {
		return deny(ReasonPhoneDenied)
	}

	if !conv.IsRetarget {
		return allow(ReasonNotRetarget)
	}

	switch conv.RetargetStage {
	case models.StageUnset, models.StageInitiated, models.StageEngaged:
		if user.Role == models.RoleAdvert {
			return allow(ReasonAdvertPreHandover)
		}
		return deny(ReasonLockedPreHandover)
	case models.StageHandedToSales:
		return decideHandedOver(user, conv)
	}
	// Unknown stage values never reach here: ParseRetargetStage folds them
	// into StageUnset. Treat anything else as not handed over.
	if user.Role == models.RoleAdvert {
		return allow(ReasonAdvertPreHandover)
	}
	return deny(ReasonLockedPreHandover)
}

func decideHandedOver(user models.Employee, conv models.Conversation) Decision {
	switch user.Role {
	case models.RoleAdvert:
		return deny(ReasonAdvertHandedOver)
	case models.RoleSales:
		if !conv.HasAssignee() {
			return allow(ReasonSalesUnassigned)
		}
		if conv.AssignedTo(user.ID) {
			return allow(ReasonSalesAssigned)
		}
		return deny(ReasonSalesOtherAssignee)
	default:
		return deny(ReasonRoleHandedOver)
	}
}

// ShouldEmitToUser gates real-time delivery of a conversation event.
//
// It only applies the retarget ownership rule at role level. It does not
// check the phone/area fence, because the dispatcher only calls it for
// subscribers of the conversation's phone room, and it does not check agent
// identity, so every Sales agent in the room sees a handover as it happens.
// Calling it for subscribers that were not room-scoped is not safe.
func (e *Evaluator) ShouldEmitToUser(user models.Employee, conv models.Conversation) bool {
	ok := ShouldEmitToUser(user, conv)
	e.metrics.ObserveAccess("emit", ok, "")
	return ok
}

// ShouldEmitToUser is the pure form of Evaluator.ShouldEmitToUser.
func ShouldEmitToUser(user models.Employee, conv models.Conversation) bool {
	if !user.Role.Valid() {
		return false
	}
	if !conv.IsRetarget {
		return true
	}
	if conv.RetargetStage.HandedOver() {
		return user.Role == models.RoleSales
	}
	return user.Role == models.RoleAdvert
}

func allow(r Reason) Decision { return Decision{Allowed: true, Reason: r} }
func deny(r Reason) Decision  { return Decision{Allowed: false, Reason: r} }

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
