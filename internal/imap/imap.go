package imap

// Client is the mailbox session contract the ingestion pipeline depends
// on, satisfied by StandardClient and by test fakes. One Client serves
// one desk's mailbox for the duration of one fetch cycle.
type Client interface {
	Connect(addr string, useTLS bool) error
	Login(user, password string) error
	SelectMailbox(name string) error
	ListUnseenUIDs(limit int) ([]uint32, error)
	FetchRaw(uid uint32) ([]byte, error)
	Close() error
}
