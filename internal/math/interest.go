package math

// MaxPlatformFeeBps caps the platform fee at 5% of interest
const MaxPlatformFeeBps int64 = 500

// MaxInterestRateBps caps the interest rate at 1000% of principal
const MaxInterestRateBps int64 = 100_000

// Return is the settlement breakdown of one matured investment.
//
// Interest == Fee + NetInterest holds exactly; Payout == Principal + NetInterest.
// A Return built by ComputeReturn or Add always has Required() within int64.
type Return struct {
	Principal   int64
	Interest    int64
	Fee         int64
	NetInterest int64
	Payout      int64
}

// ComputeReturn derives interest, fee and payout for a principal at the
// given rates. All divisions round down. ErrOverflow is returned when the
// payout or the payout plus fee leaves int64.
func ComputeReturn(principal, interestRateBps, platformFeeBps int64) (Return, error) {
	interest, err := ApplyBasisPoints(principal, interestRateBps)
	if err != nil {
		return Return{}, err
	}
	fee, err := ApplyBasisPoints(interest, platformFeeBps)
	if err != nil {
		return Return{}, err
	}
	net := interest - fee

	payout, err := CheckedAdd(principal, net)
	if err != nil {
		return Return{}, err
	}
	if _, err := CheckedAdd(payout, fee); err != nil {
		return Return{}, err
	}

	return Return{
		Principal:   principal,
		Interest:    interest,
		Fee:         fee,
		NetInterest: net,
		Payout:      payout,
	}, nil
}

// Add accumulates another return into r. Used to aggregate a batch
// withdrawal into a single payout and a single fee.
func (r Return) Add(other Return) (Return, error) {
	var sum Return
	var err error
	pairs := []struct {
		dst  *int64
		a, b int64
	}{
		{&sum.Principal, r.Principal, other.Principal},
		{&sum.Interest, r.Interest, other.Interest},
		{&sum.Fee, r.Fee, other.Fee},
		{&sum.NetInterest, r.NetInterest, other.NetInterest},
		{&sum.Payout, r.Payout, other.Payout},
	}
	for _, p := range pairs {
		if *p.dst, err = CheckedAdd(p.a, p.b); err != nil {
			return Return{}, err
		}
	}
	if _, err := CheckedAdd(sum.Payout, sum.Fee); err != nil {
		return Return{}, err
	}
	return sum, nil
}

// Required is the pool balance that must be present to settle r.
func (r Return) Required() int64 {
	return r.Payout + r.Fee
}
