package models

import "fmt"

// Mode is the operational posture that gates tool and model-role access.
// Created at process start as NORMAL; transitions happen only through the
// mode manager and never decay on their own.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeAlert    Mode = "ALERT"
	ModeDegraded Mode = "DEGRADED"
	ModeLockdown Mode = "LOCKDOWN"
	ModeRecovery Mode = "RECOVERY"
)

// Modes lists every recognized mode in severity order.
func Modes() []Mode {
	return []Mode{ModeNormal, ModeAlert, ModeDegraded, ModeLockdown, ModeRecovery}
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ModelRole is a logical model identity resolved to a concrete model id,
// endpoint and limits by configuration.
type ModelRole string

const (
	ModelRoleRouter    ModelRole = "ROUTER"
	ModelRoleStandard  ModelRole = "STANDARD"
	ModelRoleReasoning ModelRole = "REASONING"
	ModelRoleCoding    ModelRole = "CODING"
)

// ParseModelRole validates a model role name.
func ParseModelRole(s string) (ModelRole, error) {
	switch ModelRole(s) {
	case ModelRoleRouter, ModelRoleStandard, ModelRoleReasoning, ModelRoleCoding:
		return ModelRole(s), nil
	}
	return "", fmt.Errorf("unknown model role %q", s)
}

// RiskLevel classifies how destructive a tool can be.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)
