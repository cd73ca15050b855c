package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrPeriodLocked      = errors.New("accounting period is locked")
	ErrDuplicateOrderID  = errors.New("order id already exists")
	ErrOrderNotFound     = errors.New("order not found")
	ErrAlreadySubmitted  = errors.New("settlement already submitted")
	ErrNotLocked         = errors.New("settlement is not locked")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBranchBusy        = errors.New("branch settlement in progress")
)

// PeriodLockedError names the submitted period that rejected a write.
type PeriodLockedError struct {
	BranchID     string
	BusinessDate string
	Settlement   domain.DailySettlement
}

func (e *PeriodLockedError) Error() string {
	return fmt.Sprintf("business date %s for branch %s is inside locked period %s to %s",
		e.BusinessDate, e.BranchID, e.Settlement.StartDate, e.Settlement.EndDate)
}

func (e *PeriodLockedError) Unwrap() error {
	return ErrPeriodLocked
}

// AlreadySubmittedError carries the settlement that is already locked.
type AlreadySubmittedError struct {
	Existing domain.DailySettlement
}

func (e *AlreadySubmittedError) Error() string {
	return fmt.Sprintf("settlement for branch %s %s to %s is already submitted",
		e.Existing.BranchID, e.Existing.StartDate, e.Existing.EndDate)
}

func (e *AlreadySubmittedError) Unwrap() error {
	return ErrAlreadySubmitted
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// describeValidation turns validator failures into one readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}
