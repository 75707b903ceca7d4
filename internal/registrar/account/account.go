// Package account holds the SIP account model the registrar serves.
package account

// Account is a provisioned SIP account. Bindings reference accounts by ID;
// many bindings can belong to one account.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Owner    string `json:"owner"` // tenant this account belongs to

	// SendNATKeepAlives enables periodic keep-alive datagrams towards the
	// account's registered remote sockets to hold NAT pinholes open.
	SendNATKeepAlives bool `json:"send_nat_keepalives"`
}

// AOR returns the address-of-record in user@domain form.
func (a *Account) AOR() string {
	return a.Username + "@" + a.Domain
}

// AORURI returns the address-of-record as a SIP URI string.
func (a *Account) AORURI() string {
	return "sip:" + a.AOR()
}
