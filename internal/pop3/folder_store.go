package pop3

import "strings"

// splitSubaddress splits a POP3 username of the form "user+folder@domain"
// into the realm-facing username ("user@domain") and the mailbox folder
// it names ("folder"), so a client dedicated to one folder can log in as
// "user+archive@example.com" and see that folder instead of INBOX. A
// username with no "+" names INBOX.
func splitSubaddress(username string) (user, folder string) {
	at := strings.IndexByte(username, '@')
	local, domain := username, ""
	if at >= 0 {
		local, domain = username[:at], username[at:]
	}

	plus := strings.IndexByte(local, '+')
	if plus < 0 {
		return username, "INBOX"
	}

	return local[:plus] + domain, local[plus+1:]
}
