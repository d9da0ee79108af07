package core

// Hand-authored mocks for ChatLedger and CurrencyLedger in the generated
// go.uber.org/mock/gomock style (mirroring the validatorsmock pattern used
// across the wider codebase's consensus layer), since mockgen itself cannot
// run in this environment.

import (
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"
)

// MockChatLedger is a mock of the ChatLedger interface.
type MockChatLedger struct {
	ctrl     *gomock.Controller
	recorder *MockChatLedgerMockRecorder
}

type MockChatLedgerMockRecorder struct {
	mock *MockChatLedger
}

func NewMockChatLedger(ctrl *gomock.Controller) *MockChatLedger {
	mock := &MockChatLedger{ctrl: ctrl}
	mock.recorder = &MockChatLedgerMockRecorder{mock}
	return mock
}

func (m *MockChatLedger) EXPECT() *MockChatLedgerMockRecorder {
	return m.recorder
}

func (m *MockChatLedger) SubmitAnchor(idHash [32]byte, sender DeviceID, nullifier [32]byte) (AnchorRecord, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SubmitAnchor", idHash, sender, nullifier)
	ret0, _ := ret[0].(AnchorRecord)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockChatLedgerMockRecorder) SubmitAnchor(idHash, sender, nullifier interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SubmitAnchor", reflect.TypeOf((*MockChatLedger)(nil).SubmitAnchor), idHash, sender, nullifier)
}

func (m *MockChatLedger) QueryAnchorByEnvelopeHash(idHash [32]byte) (AnchorRecord, bool) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "QueryAnchorByEnvelopeHash", idHash)
	ret0, _ := ret[0].(AnchorRecord)
	ret1, _ := ret[1].(bool)
	return ret0, ret1
}

func (mr *MockChatLedgerMockRecorder) QueryAnchorByEnvelopeHash(idHash interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "QueryAnchorByEnvelopeHash", reflect.TypeOf((*MockChatLedger)(nil).QueryAnchorByEnvelopeHash), idHash)
}

// MockCurrencyLedger is a mock of the CurrencyLedger interface.
type MockCurrencyLedger struct {
	ctrl     *gomock.Controller
	recorder *MockCurrencyLedgerMockRecorder
}

type MockCurrencyLedgerMockRecorder struct {
	mock *MockCurrencyLedger
}

func NewMockCurrencyLedger(ctrl *gomock.Controller) *MockCurrencyLedger {
	mock := &MockCurrencyLedger{ctrl: ctrl}
	mock.recorder = &MockCurrencyLedgerMockRecorder{mock}
	return mock
}

func (m *MockCurrencyLedger) EXPECT() *MockCurrencyLedgerMockRecorder {
	return m.recorder
}

func (m *MockCurrencyLedger) Transfer(from, to IdentityID, amount uint64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Transfer", from, to, amount)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockCurrencyLedgerMockRecorder) Transfer(from, to, amount interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Transfer", reflect.TypeOf((*MockCurrencyLedger)(nil).Transfer), from, to, amount)
}

func (m *MockCurrencyLedger) Stake(owner IdentityID, amount uint64, lockUntilHeight uint64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Stake", owner, amount, lockUntilHeight)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockCurrencyLedgerMockRecorder) Stake(owner, amount, lockUntilHeight interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Stake", reflect.TypeOf((*MockCurrencyLedger)(nil).Stake), owner, amount, lockUntilHeight)
}

func (m *MockCurrencyLedger) Unstake(owner IdentityID, atHeight uint64) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Unstake", owner, atHeight)
	ret0, _ := ret[0].(uint64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockCurrencyLedgerMockRecorder) Unstake(owner, atHeight interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Unstake", reflect.TypeOf((*MockCurrencyLedger)(nil).Unstake), owner, atHeight)
}

func (m *MockCurrencyLedger) Credit(to IdentityID, amount uint64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Credit", to, amount)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockCurrencyLedgerMockRecorder) Credit(to, amount interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Credit", reflect.TypeOf((*MockCurrencyLedger)(nil).Credit), to, amount)
}

func (m *MockCurrencyLedger) WalletOf(owner IdentityID) (Wallet, bool) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WalletOf", owner)
	ret0, _ := ret[0].(Wallet)
	ret1, _ := ret[1].(bool)
	return ret0, ret1
}

func (mr *MockCurrencyLedgerMockRecorder) WalletOf(owner interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WalletOf", reflect.TypeOf((*MockCurrencyLedger)(nil).WalletOf), owner)
}

func (m *MockCurrencyLedger) Height() uint64 {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Height")
	ret0, _ := ret[0].(uint64)
	return ret0
}

func (mr *MockCurrencyLedgerMockRecorder) Height() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Height", reflect.TypeOf((*MockCurrencyLedger)(nil).Height))
}
