package rostertest

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/roster"
)

// NewValidator returns a validator with every custom rule and translation registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	roster.InitValidators(validate, translator)
	return validate
}

// NewService returns a roster.Service over store.
func NewService(store roster.Store) *roster.Service {
	return roster.NewService(store, NewValidator())
}
