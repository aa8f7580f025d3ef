// Package pricing computes deterministic price breakdowns, payment
// schedules and EMI options for a unit. All functions are pure; monetary
// values stay float64 and only EMI figures, loan amounts and schedule
// amounts are rounded to whole currency units.
package pricing

import (
	"fmt"
	"math"
)

// Defaults applied when the caller leaves the corresponding input unset.
const (
	DefaultPLCRate         = 200
	DefaultParkingRate     = 150000
	DefaultGSTRate         = 5
	DefaultStampDutyRate   = 5
	DefaultRegistrationFee = 30000
	DefaultLoanPercentage  = 80
)

var (
	DefaultInterestRates = []float64{8.5, 9.0, 9.5}
	DefaultTenureYears   = []int{15, 20, 25}
)

// InvalidInputError reports a pricing input that fails validation.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid pricing input: %s %s", e.Field, e.Message)
}

type Input struct {
	BasePrice       float64            `json:"base_price"`
	CarpetArea      float64            `json:"carpet_area"`
	PLCMap          map[string]float64 `json:"plc_map,omitempty"`
	FloorRise       float64            `json:"floor_rise,omitempty"`
	Parking         int                `json:"parking,omitempty"`
	DiscountPercent float64            `json:"discount_percent,omitempty"`
	// Rates and fee are pointers so an explicit zero is distinguishable
	// from "use the default".
	GSTRate         *float64 `json:"gst_rate,omitempty" minimum:"0" maximum:"30"`
	StampDutyRate   *float64 `json:"stamp_duty_rate,omitempty" minimum:"0" maximum:"10"`
	RegistrationFee *float64 `json:"registration_fee,omitempty" minimum:"0"`
}

type Breakdown struct {
	BasePrice        float64 `json:"base_price"`
	PLCCharges       float64 `json:"plc_charges"`
	FloorRiseCharges float64 `json:"floor_rise_charges"`
	ParkingCharges   float64 `json:"parking_charges"`
	Subtotal         float64 `json:"subtotal"`
	Discount         float64 `json:"discount"`
	NetAmount        float64 `json:"net_amount"`
	GST              float64 `json:"gst"`
	StampDuty        float64 `json:"stamp_duty"`
	RegistrationFee  float64 `json:"registration_fee"`
	TotalAmount      float64 `json:"total_amount"`
}

type ScheduleItem struct {
	Milestone  string  `json:"milestone"`
	Percentage float64 `json:"percentage"`
	Amount     float64 `json:"amount"`
}

type EMIOption struct {
	TenureYears   int     `json:"tenure_years"`
	InterestRate  float64 `json:"interest_rate"`
	MonthlyEMI    float64 `json:"monthly_emi"`
	TotalInterest float64 `json:"total_interest"`
}

type Result struct {
	Breakdown  Breakdown      `json:"breakdown"`
	Schedule   []ScheduleItem `json:"schedule"`
	LoanAmount float64        `json:"loan_amount"`
	EMIOptions []EMIOption    `json:"emi_options"`
}

func (in *Input) validate() error {
	if in.BasePrice <= 0 {
		return InvalidInputError{Field: "base_price", Message: "must be positive"}
	}
	if in.CarpetArea <= 0 {
		return InvalidInputError{Field: "carpet_area", Message: "must be positive"}
	}
	if in.DiscountPercent < 0 || in.DiscountPercent > 100 {
		return InvalidInputError{Field: "discount_percent", Message: "must be within [0,100]"}
	}
	if in.Parking < 0 {
		return InvalidInputError{Field: "parking", Message: "must not be negative"}
	}
	if in.FloorRise < 0 {
		return InvalidInputError{Field: "floor_rise", Message: "must not be negative"}
	}
	if in.GSTRate != nil && (*in.GSTRate < 0 || *in.GSTRate > 30) {
		return InvalidInputError{Field: "gst_rate", Message: "must be within [0,30]"}
	}
	if in.StampDutyRate != nil && (*in.StampDutyRate < 0 || *in.StampDutyRate > 10) {
		return InvalidInputError{Field: "stamp_duty_rate", Message: "must be within [0,10]"}
	}
	if in.RegistrationFee != nil && *in.RegistrationFee < 0 {
		return InvalidInputError{Field: "registration_fee", Message: "must not be negative"}
	}
	return nil
}

// CalculateBreakdown computes the full price breakdown. Sub-totals carry
// no intermediate rounding.
func CalculateBreakdown(in Input) (Breakdown, error) {
	if err := in.validate(); err != nil {
		return Breakdown{}, err
	}
	gstRate := float64(DefaultGSTRate)
	if in.GSTRate != nil {
		gstRate = *in.GSTRate
	}
	stampDutyRate := float64(DefaultStampDutyRate)
	if in.StampDutyRate != nil {
		stampDutyRate = *in.StampDutyRate
	}
	registrationFee := float64(DefaultRegistrationFee)
	if in.RegistrationFee != nil {
		registrationFee = *in.RegistrationFee
	}

	plcRate := float64(DefaultPLCRate)
	if v, ok := in.PLCMap["default"]; ok {
		plcRate = v
	}
	plcCharges := in.CarpetArea * plcRate
	floorRiseCharges := in.CarpetArea * in.FloorRise
	parkingCharges := float64(in.Parking) * DefaultParkingRate

	subtotal := in.BasePrice + plcCharges + floorRiseCharges + parkingCharges
	discount := subtotal * in.DiscountPercent / 100
	netAmount := subtotal - discount
	gst := netAmount * gstRate / 100
	stampDuty := netAmount * stampDutyRate / 100

	return Breakdown{
		BasePrice:        in.BasePrice,
		PLCCharges:       plcCharges,
		FloorRiseCharges: floorRiseCharges,
		ParkingCharges:   parkingCharges,
		Subtotal:         subtotal,
		Discount:         discount,
		NetAmount:        netAmount,
		GST:              gst,
		StampDuty:        stampDuty,
		RegistrationFee:  registrationFee,
		TotalAmount:      netAmount + gst + stampDuty + registrationFee,
	}, nil
}

// DefaultSchedule is the seven-stage construction-linked plan summing to 100%.
func DefaultSchedule() []ScheduleItem {
	return []ScheduleItem{
		{Milestone: "Token Amount", Percentage: 10},
		{Milestone: "Agreement", Percentage: 10},
		{Milestone: "Foundation", Percentage: 15},
		{Milestone: "Plinth", Percentage: 15},
		{Milestone: "Slab", Percentage: 20},
		{Milestone: "Finishing", Percentage: 20},
		{Milestone: "Possession", Percentage: 10},
	}
}

// GeneratePaymentSchedule applies the milestone percentages to totalAmount.
// Custom schedules are not checked to sum to 100; that is the caller's call.
func GeneratePaymentSchedule(totalAmount float64, custom []ScheduleItem) []ScheduleItem {
	schedule := custom
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	out := make([]ScheduleItem, len(schedule))
	for i, item := range schedule {
		out[i] = ScheduleItem{
			Milestone:  item.Milestone,
			Percentage: item.Percentage,
			Amount:     math.Round(totalAmount * item.Percentage / 100),
		}
	}
	return out
}

// CalculateEMIOptions produces one option per (rate, tenure) pair, rates in
// the outer loop. EMI uses the standard amortized-loan formula with a
// monthly rate of annual/100/12.
func CalculateEMIOptions(loanAmount float64, rates []float64, tenureYears []int) []EMIOption {
	if rates == nil {
		rates = DefaultInterestRates
	}
	if tenureYears == nil {
		tenureYears = DefaultTenureYears
	}
	options := make([]EMIOption, 0, len(rates)*len(tenureYears))
	for _, rate := range rates {
		for _, tenure := range tenureYears {
			monthlyRate := rate / 100 / 12
			months := float64(tenure * 12)
			factor := math.Pow(1+monthlyRate, months)
			emi := math.Round(loanAmount * monthlyRate * factor / (factor - 1))
			options = append(options, EMIOption{
				TenureYears:   tenure,
				InterestRate:  rate,
				MonthlyEMI:    emi,
				TotalInterest: math.Round(emi*months - loanAmount),
			})
		}
	}
	return options
}

// CalculateComplete composes breakdown, default schedule and EMI options.
// The loan amount is loanPercentage of the net amount, rounded.
func CalculateComplete(in Input, loanPercentage float64) (Result, error) {
	if loanPercentage <= 0 {
		loanPercentage = DefaultLoanPercentage
	}
	breakdown, err := CalculateBreakdown(in)
	if err != nil {
		return Result{}, err
	}
	loanAmount := math.Round(breakdown.NetAmount * loanPercentage / 100)
	return Result{
		Breakdown:  breakdown,
		Schedule:   GeneratePaymentSchedule(breakdown.TotalAmount, nil),
		LoanAmount: loanAmount,
		EMIOptions: CalculateEMIOptions(loanAmount, nil, nil),
	}, nil
}
