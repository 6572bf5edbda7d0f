package domain

import "time"

// DeriveListingStatus maps a raw listing record plus the current time to a
// lifecycle status. Pure; callers must re-evaluate on every read because
// the expired state is time-dependent.
//
// Precedence: cancelled > sold > expired > active. A record showing both a
// cancellation and a sale keeps cancellation precedence, matching the
// upstream ledger's observed behavior.
func DeriveListingStatus(l *Listing, now time.Time) ListingStatus {
	if l.CancelledAt > 0 {
		return ListingStatusCancelled
	}
	if l.SoldAt > 0 {
		return ListingStatusSold
	}
	if l.ExpiresAt > 0 && l.ExpiresAt < now.Unix() {
		return ListingStatusExpired
	}
	return ListingStatusActive
}

// DeriveOfferStatus derives an offer's lifecycle status, substituting
// acceptance for sale in the terminal-success branch
func DeriveOfferStatus(o *Offer, now time.Time) OfferStatus {
	if o.CancelledAt > 0 {
		return OfferStatusCancelled
	}
	if o.AcceptedAt > 0 {
		return OfferStatusAccepted
	}
	if o.ExpiresAt > 0 && o.ExpiresAt < now.Unix() {
		return OfferStatusExpired
	}
	return OfferStatusActive
}

// ListingActive reports whether a listing is currently active
func ListingActive(l *Listing, now time.Time) bool {
	return DeriveListingStatus(l, now) == ListingStatusActive
}

// OfferActive reports whether an offer is currently active
func OfferActive(o *Offer, now time.Time) bool {
	return DeriveOfferStatus(o, now) == OfferStatusActive
}
