package server

import (
	"github.com/OnitiFR/tcpfwd/common"
)

// RuleDatabase holds forwarding rules loaded from the rules file
type RuleDatabase struct {
	filename string
	resolve  common.ResolveFunc
	db       common.ForwardRules
}

// NewRuleDatabase will load filename. Any error is a *common.ConfigError
// and must be considered fatal: no listener can be opened with a
// partial rule table.
func NewRuleDatabase(filename string, resolve common.ResolveFunc) (*RuleDatabase, error) {
	rdb := &RuleDatabase{
		filename: filename,
		resolve:  resolve,
	}

	err := rdb.Load()
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

// Load the rules file. Unlike the settings file, it must exist.
func (rdb *RuleDatabase) Load() error {
	rules, err := common.LoadForwardRulesFile(rdb.filename, rdb.resolve)
	if err != nil {
		return err
	}
	rdb.db = rules
	return nil
}

// Rules returns the loaded rule table
func (rdb *RuleDatabase) Rules() common.ForwardRules {
	return rdb.db
}

// Count returns the number of rules
func (rdb *RuleDatabase) Count() int {
	return len(rdb.db)
}

// Filename returns the rules file path
func (rdb *RuleDatabase) Filename() string {
	return rdb.filename
}
