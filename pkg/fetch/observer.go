package fetch

// Observer receives the outcome of a Session. Callbacks for one session are
// delivered serially from that session's goroutine: at most one status,
// followed by exactly one of finish or fail. A cancelled session delivers
// neither.
type Observer interface {
	// FetchDidReceiveStatus reports the response status. contentLength is -1
	// when the server did not declare one.
	FetchDidReceiveStatus(s *Session, statusCode int, contentLength int64)
	FetchDidFinish(s *Session)
	FetchDidFail(s *Session)
}

// ObserverFuncs adapts plain functions to Observer. Nil members are skipped.
type ObserverFuncs struct {
	OnStatus func(s *Session, statusCode int, contentLength int64)
	OnFinish func(s *Session)
	OnFail   func(s *Session)
}

func (o ObserverFuncs) FetchDidReceiveStatus(s *Session, statusCode int, contentLength int64) {
	if o.OnStatus != nil {
		o.OnStatus(s, statusCode, contentLength)
	}
}

func (o ObserverFuncs) FetchDidFinish(s *Session) {
	if o.OnFinish != nil {
		o.OnFinish(s)
	}
}

func (o ObserverFuncs) FetchDidFail(s *Session) {
	if o.OnFail != nil {
		o.OnFail(s)
	}
}
