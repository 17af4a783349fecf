package models

import "time"

// Market identifies the exchange board a record belongs to.
type Market string

const (
	MarketKOSPI  Market = "KOSPI"
	MarketKOSDAQ Market = "KOSDAQ"
	MarketAll    Market = "ALL"
)

// InvestorClass identifies who traded.
type InvestorClass string

const (
	InvestorForeign     InvestorClass = "FOREIGN"
	InvestorInstitution InvestorClass = "INSTITUTION"
	InvestorIndividual  InvestorClass = "INDIVIDUAL"
	InvestorProgram     InvestorClass = "PROGRAM"
)

// InvestorClasses lists the classes carried on every flow record, in a fixed order.
var InvestorClasses = []InvestorClass{InvestorForeign, InvestorInstitution, InvestorIndividual}

// ClassFlow holds one investor class's side of a record. Amounts are in KRW,
// volumes in shares. Net is always derived as buy minus sell, never stored.
type ClassFlow struct {
	BuyAmount  int64
	SellAmount int64
	BuyVolume  int64
	SellVolume int64
}

// NetAmount returns buy amount minus sell amount.
func (f ClassFlow) NetAmount() int64 {
	return f.BuyAmount - f.SellAmount
}

// NetVolume returns buy volume minus sell volume.
func (f ClassFlow) NetVolume() int64 {
	return f.BuyVolume - f.SellVolume
}

// FlowRecord is one observation of investor trading flow for an instrument
// (or for a whole market when InstrumentID is empty).
type FlowRecord struct {
	InstrumentID string
	Market       Market
	Timestamp    time.Time

	Foreign     ClassFlow
	Institution ClassFlow
	Individual  ClassFlow

	ProgramBuyAmount  int64
	ProgramSellAmount int64
}

// Class returns the flow for the given investor class. Program flow carries
// amounts only, so it is reported with zero volumes.
func (r *FlowRecord) Class(c InvestorClass) ClassFlow {
	switch c {
	case InvestorForeign:
		return r.Foreign
	case InvestorInstitution:
		return r.Institution
	case InvestorIndividual:
		return r.Individual
	case InvestorProgram:
		return ClassFlow{BuyAmount: r.ProgramBuyAmount, SellAmount: r.ProgramSellAmount}
	}
	return ClassFlow{}
}

// SmartMoneyNet is the combined foreign and institution net amount.
func (r *FlowRecord) SmartMoneyNet() int64 {
	return r.Foreign.NetAmount() + r.Institution.NetAmount()
}

// TotalActivity sums buy and sell amounts across the three main classes.
func (r *FlowRecord) TotalActivity() int64 {
	total := int64(0)
	for _, c := range InvestorClasses {
		f := r.Class(c)
		total += f.BuyAmount + f.SellAmount
	}
	return total
}

// Period is a named look-back window for queries.
type Period string

const (
	Period1D  Period = "1D"
	Period5D  Period = "5D"
	Period20D Period = "20D"
	Period60D Period = "60D"
)

var periodHours = map[Period]int{
	Period1D:  24,
	Period5D:  120,
	Period20D: 480,
	Period60D: 1440,
}

// Lookback returns the duration covered by the period, or false when unknown.
func (p Period) Lookback() (time.Duration, bool) {
	h, ok := periodHours[p]
	if !ok {
		return 0, false
	}
	return time.Duration(h) * time.Hour, true
}
