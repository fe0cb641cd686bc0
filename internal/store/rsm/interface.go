package rsm

type RsmHandler interface {
	Register(run Run) error
	Update(runId string, fn func(run *Run)) error
	Remove(runId string) error
	Get(runId string) (Run, error)
	List() ([]Run, error)
	Stale() ([]Run, error)
}
