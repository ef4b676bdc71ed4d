// Package window tracks the vendor's 24-hour customer service window.
//
// A business may send free-form messages to a contact only within 24 hours
// of that contact's last inbound message. Outside the window only approved
// templates are accepted by the vendor.
//
// The state is derived on every call from the stored lastCustomerMessageAt;
// nothing expires or is cleaned up. A missing session row is repaired from
// the newest inbound event in the message log, once.
package window
