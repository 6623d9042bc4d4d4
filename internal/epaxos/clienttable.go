package epaxos

// clientKey identifies one logical client session. A client process may run
// several sessions (pseudonyms) over the same address.
type clientKey struct {
	addr      string
	pseudonym string
}

// clientRecord remembers the newest command a session has had executed, so
// at-least-once client retries are answered from cache instead of re-running
// the state machine.
type clientRecord struct {
	highestClientID int32
	lastResult      []byte
}

type clientTable map[clientKey]*clientRecord

// executedBefore reports whether id is already covered by the table, and the
// cached result when id is exactly the newest executed command.
func (t clientTable) executedBefore(key clientKey, id int32) (dup bool, cached []byte) {
	rec, ok := t[key]
	if !ok {
		return false, nil
	}
	if id > rec.highestClientID {
		return false, nil
	}
	if id == rec.highestClientID {
		return true, rec.lastResult
	}
	return true, nil
}

// record stores the result of the newest executed command for the session.
func (t clientTable) record(key clientKey, id int32, result []byte) {
	rec, ok := t[key]
	if !ok {
		t[key] = &clientRecord{highestClientID: id, lastResult: result}
		return
	}
	if id > rec.highestClientID {
		rec.highestClientID = id
		rec.lastResult = result
	}
}
